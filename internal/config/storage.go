package config

// StorageConfig configures the S3-compatible bucket swept job records are archived to.
type StorageConfig struct {
	Type      string `mapstructure:"type"` // r2, s3, s3compatible; empty auto-detects from endpoint
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	Prefix    string `mapstructure:"prefix"`
}

// IsConfigured reports whether enough is set to build a client.
func (c *StorageConfig) IsConfigured() bool {
	return c.Endpoint != "" && c.Bucket != ""
}
