package config

// MinioConfig holds the MinIO connection used by the blob store.
type MinioConfig struct {
	AccessKey  string `yaml:"accessKey"`
	SecretKey  string `yaml:"secretKey"`
	Endpoint   string `yaml:"endpoint"`
	UseSSL     bool   `yaml:"useSSL"`
	Region     string `yaml:"region"`
	BucketName string `yaml:"bucketName"`
}

func (m *MinioConfig) applyEnv() {
	m.AccessKey = getEnv("MINIO_ACCESS_KEY", m.AccessKey)
	m.SecretKey = getEnv("MINIO_SECRET_KEY", m.SecretKey)
	m.Endpoint = getEnv("MINIO_ENDPOINT", m.Endpoint)
	m.UseSSL = getEnvAsBool("MINIO_USE_SSL", m.UseSSL)
	m.Region = getEnv("MINIO_REGION", m.Region)
	m.BucketName = getEnv("MINIO_BUCKET_NAME", m.BucketName)
}
