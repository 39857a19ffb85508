// Package indexer maps entries onto attribute index keys and applies live
// add, delete and modify operations to those indexes.
//
// An AttributeIndexer owns the indexes of one attribute, one per lookup kind.
// A Set groups the indexers of a backend and answers the query planner's
// index lookups, hiding indexes the trust registry marks as untrusted.
package indexer
