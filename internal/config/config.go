package config

import (
	"fmt"
	"os"
)

// Default configuration values (production)
const (
	DefaultDomain   = "histsync.qzz.io"
	DefaultSTUN     = "stun:stun.l.google.com:19302"
	DefaultTURN     = "" // Optional, empty by default
	DefaultTURNUser = ""
	DefaultTURNPass = ""
	DefaultRedis    = "" // Optional record-store backend, empty by default
)

// Config holds application configuration
type Config struct {
	// Domain is the relay server domain
	Domain string

	// WebSocketURL is constructed from domain
	WebSocketURL string

	// ICE servers for WebRTC
	STUNServer string
	TURNServer string
	TURNUser   string
	TURNPass   string

	// Shared room secret; every device presenting the same secret
	// lands in the same room
	Secret string

	// RedisAddr is the optional rendezvous record-store backend
	RedisAddr     string
	RedisPassword string

	// DeviceName is shown to peers on discovery
	DeviceName string
}

// Options for loading config with CLI flag overrides
type Options struct {
	Domain        string
	STUNServer    string
	TURNServer    string
	TURNUser      string
	TURNPass      string
	Secret        string
	RedisAddr     string
	RedisPassword string
	DeviceName    string
}

// Load reads configuration with the following priority:
// 1. CLI flags (passed via Options) - highest priority
// 2. Environment variables
// 3. Hardcoded defaults - lowest priority
func Load(opts Options) (*Config, error) {
	domain := firstOf(opts.Domain, os.Getenv("DOMAIN"), DefaultDomain)
	stunServer := firstOf(opts.STUNServer, os.Getenv("STUN_SERVER"), DefaultSTUN)
	turnServer := firstOf(opts.TURNServer, os.Getenv("TURN_SERVER"), DefaultTURN)
	turnUser := firstOf(opts.TURNUser, os.Getenv("TURN_USERNAME"), DefaultTURNUser)
	turnPass := firstOf(opts.TURNPass, os.Getenv("TURN_PASSWORD"), DefaultTURNPass)
	secret := firstOf(opts.Secret, os.Getenv("ROOM_SECRET"), "")
	redisAddr := firstOf(opts.RedisAddr, os.Getenv("REDIS_ADDR"), DefaultRedis)
	redisPass := firstOf(opts.RedisPassword, os.Getenv("REDIS_PASSWORD"), "")

	deviceName := firstOf(opts.DeviceName, os.Getenv("DEVICE_NAME"), "")
	if deviceName == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "unknown-device"
		}
		deviceName = host
	}

	return &Config{
		Domain:        domain,
		WebSocketURL:  fmt.Sprintf("wss://%s/ws", domain),
		STUNServer:    stunServer,
		TURNServer:    turnServer,
		TURNUser:      turnUser,
		TURNPass:      turnPass,
		Secret:        secret,
		RedisAddr:     redisAddr,
		RedisPassword: redisPass,
		DeviceName:    deviceName,
	}, nil
}

func firstOf(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// GetSTUNServers returns STUN server URLs as strings
func (c *Config) GetSTUNServers() []string {
	return []string{c.STUNServer}
}

// GetTURNServers returns TURN server URLs if configured
func (c *Config) GetTURNServers() []string {
	if c.TURNServer == "" {
		return nil
	}
	return []string{
		fmt.Sprintf("%s:3478?transport=udp", c.TURNServer),
		fmt.Sprintf("%s:3478?transport=tcp", c.TURNServer),
		fmt.Sprintf("turns:%s:5349?transport=tcp", c.TURNServer),
	}
}

// GetTURNCredentials returns TURN username and password
func (c *Config) GetTURNCredentials() (string, string) {
	return c.TURNUser, c.TURNPass
}
