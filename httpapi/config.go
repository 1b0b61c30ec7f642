package httpapi

// Config defines the diagnostics HTTP settings.
type Config struct {
	Addr     string
	BasePath string
}
