// Package storage defines the boundary between docstore and external vector
// stores: the Backend interface, shared sentinel errors and the registry of
// backend implementations.
//
// Implementations live in subpackages (memory, milvus, postgres, qdrant) and
// register themselves from init. Import them with blank imports to make
// them available to Open:
//
//	import _ "github.com/rhuss/docstore/pkg/storage/milvus"
package storage
