package models

// Database schema overview:
// 1. users - accounts, role (user/admin) and the active flag
// 2. questionnaires - persona, opening and analysis prompt templates plus settings
// 3. assessments - one attempt per row; completed_at, score and description written together
// 4. chat_messages - ordered, append-only transcript of each assessment
//
// HistoryEntry is not a table; it lives in the chat-history JSON file.
