// Package sdsconst holds the fixed capacity limits named throughout the
// spec, shared by the registry, shadow engine, and façade without
// introducing import cycles between them.
package sdsconst

const (
	// ShadowMax is the maximum byte size of any one section shadow.
	ShadowMax = 1024

	// MaxTableNameLen is the longest allowed table type name.
	MaxTableNameLen = 31

	// MaxNodeIDLen is the longest allowed node id.
	MaxNodeIDLen = 31

	// MaxBrokerHostLen is the longest allowed broker host string.
	MaxBrokerHostLen = 127

	// MaxCredentialLen is the longest allowed username/password.
	MaxCredentialLen = 63

	// MaxSchemaVersionLen is the longest allowed schema version string.
	MaxSchemaVersionLen = 31

	// MaxTables is the default cap on registrations per node.
	MaxTables = 8

	// DefaultDeltaFloatTolerance is the default |new-old| epsilon for
	// float delta comparisons.
	DefaultDeltaFloatTolerance = 0.001

	// ReservedTopicPrefix is the namespace raw subscriptions may never use.
	ReservedTopicPrefix = "sds/"

	// DefaultBrokerPort is the default broker port when unset.
	DefaultBrokerPort = 1883
)
