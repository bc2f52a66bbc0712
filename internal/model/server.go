package model

// ServerRecord is one entry of the current ("servers_v1") storage format.
// The resolved ProxyConfig is never persisted.
type ServerRecord struct {
	ID        string `json:"id"`
	AccessKey string `json:"accessKey"`
	Name      string `json:"name"`
}

// LegacyConfig is one value of the deprecated ("servers") storage format,
// a map of server id to a config-shaped object.
type LegacyConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Password string `json:"password"`
	Method   string `json:"method"`
	Name     string `json:"name"`
}

func (c LegacyConfig) ProxyConfig() ProxyConfig {
	return ProxyConfig{
		Host:     c.Host,
		Port:     c.Port,
		Password: c.Password,
		Method:   c.Method,
		Name:     c.Name,
	}
}

// ServerView is the API/CLI projection of a server.
type ServerView struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	AccessKey      string `json:"accessKey"`
	Address        string `json:"address"`
	IsOutline      bool   `json:"isOutline"`
	ErrorMessageID string `json:"errorMessageId,omitempty"`
}
