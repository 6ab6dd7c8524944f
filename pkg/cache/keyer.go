package cache

// Keyer generates cache keys for the values zipit persists.
type Keyer interface {
	// ManifestKey is the key of a manifest document fetched from manifestURL.
	ManifestKey(manifestURL string) string

	// DirectoryKey is the key of a central directory, identified by the
	// archive URL and directory range (see manifest.Spec.Key).
	DirectoryKey(specKey string) string
}

// DefaultKeyer hashes its inputs under fixed prefixes.
type DefaultKeyer struct{}

// NewDefaultKeyer creates the standard keyer.
func NewDefaultKeyer() Keyer { return DefaultKeyer{} }

// ManifestKey returns "manifest:<sha256>".
func (DefaultKeyer) ManifestKey(manifestURL string) string { return hashKey("manifest", manifestURL) }

// DirectoryKey returns "directory:<sha256>".
func (DefaultKeyer) DirectoryKey(specKey string) string { return hashKey("directory", specKey) }

// ScopedKeyer wraps a Keyer with a prefix, so several deployments can share
// one Redis instance without seeing each other's entries.
//
// Example usage:
//
//	keyer := NewScopedKeyer(NewDefaultKeyer(), "zipit:staging:")
type ScopedKeyer struct {
	inner  Keyer
	prefix string
}

// NewScopedKeyer creates a keyer with a prefix.
// The prefix is prepended to all generated keys.
func NewScopedKeyer(inner Keyer, prefix string) Keyer {
	if inner == nil {
		inner = NewDefaultKeyer()
	}
	return &ScopedKeyer{
		inner:  inner,
		prefix: prefix,
	}
}

// ManifestKey generates a prefixed manifest key.
func (k *ScopedKeyer) ManifestKey(manifestURL string) string {
	return k.prefix + k.inner.ManifestKey(manifestURL)
}

// DirectoryKey generates a prefixed directory key.
func (k *ScopedKeyer) DirectoryKey(specKey string) string {
	return k.prefix + k.inner.DirectoryKey(specKey)
}
