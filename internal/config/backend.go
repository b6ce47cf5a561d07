package config

// ConfigBackend abstracts config storage so the loader can be tested against
// an in-memory double. The default backend is a flat JSON file in the XDG
// config directory.
type ConfigBackend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	SetString(key, val string) error
	SetInt(key string, val int) error
	Delete(key string) error
}
