package config

// ConfigBackend is where persistent overrides live: UserDefaults on macOS,
// a JSON file under XDG_CONFIG_HOME elsewhere. A missing key reports ok=false.
type ConfigBackend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	GetFloat(key string) (val float64, ok bool, err error)
	SetString(key, val string) error
	SetInt(key string, val int) error
	SetFloat(key string, val float64) error
	Delete(key string) error
	// Location names the backing store for display.
	Location() string
}
