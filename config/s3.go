package config

// S3Config holds the AWS S3 connection used by the blob store.
type S3Config struct {
	BucketName string `yaml:"bucketName"`
	Region     string `yaml:"region"`
	Endpoint   string `yaml:"endpoint"`
	AccessKey  string `yaml:"accessKey"`
	SecretKey  string `yaml:"secretKey"`
	PathStyle  bool   `yaml:"pathStyle"`
}

func (s *S3Config) applyEnv() {
	s.BucketName = getEnv("AWS_S3_BUCKET_NAME", s.BucketName)
	s.Region = getEnv("AWS_REGION", s.Region)
	s.Endpoint = getEnv("AWS_ENDPOINT", s.Endpoint)
	s.AccessKey = getEnv("AWS_ACCESS_KEY", s.AccessKey)
	s.SecretKey = getEnv("AWS_SECRET_KEY", s.SecretKey)
	s.PathStyle = getEnvAsBool("AWS_S3_PATH_STYLE", s.PathStyle)
}
