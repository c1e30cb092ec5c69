// Package article defines the data model for the knowledge article
// memory store.
//
// A KnowledgeArticle is a distilled text summary of an ongoing
// conversation. Articles are retrieved by vector similarity, rewritten
// as new turns arrive, and split in two when they outgrow the word
// budget. The package also provides the retrieval key builders that
// turn a window of recent conversation turns into index query text.
//
// Invariants maintained by the rest of the module:
//   - a persisted article's embedding always matches its current text
//   - an article at rest never exceeds the split threshold
//   - a split parent is retired (Active=false) but never deleted
package article
