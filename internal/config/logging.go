package config

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level        string `yaml:"level"`         // debug, info, warn, error
	Format       string `yaml:"format"`        // json, console
	File         string `yaml:"file"`          // optional extra output
	Audit        string `yaml:"audit"`         // session audit trail (JSON lines); empty disables
	Console      bool   `yaml:"console"`       // redraw the rolling event log on stdout
	SnapshotSize int    `yaml:"snapshot_size"` // sessions kept in the rolling log
}
