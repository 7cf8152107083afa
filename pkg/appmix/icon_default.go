//go:build !windows

package appmix

func newIconExtractor(config *CanonicalConfig) iconExtractor {
	return func(path string) ([]byte, error) {
		return nil, errUnsupportedPlatform
	}
}
