package config

import "github.com/joho/godotenv"

// loadDotEnv loads a local .env file when present. Missing files are fine;
// real environments configure through the process environment.
func loadDotEnv() {
	_ = godotenv.Load()
}
