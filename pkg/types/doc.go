// Package types defines the identity, lifecycle and error vocabulary shared by
// the larder session engine, the entity schema registry and the backing-store
// adapters. Adapters implement Store and Conn; the session consumes them.
package types
