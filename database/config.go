package database

import (
	"fmt"
	"strconv"
)

// ConnectionConfig holds the parameters needed to reach the data store.
// Two configs are the same connection target exactly when they are ==.
type ConnectionConfig struct {
	Host     string `json:"host,omitempty"`
	Port     int    `json:"port,omitempty"`
	User     string `json:"user,omitempty"`
	Password string `json:"password,omitempty"`
	Database string `json:"database,omitempty"`
}

// String describes the target without the password.
func (c ConnectionConfig) String() string {
	pw := ""
	if c.Password != "" {
		pw = ":***"
	}
	host := c.Host
	if c.Port != 0 {
		host += ":" + strconv.Itoa(c.Port)
	}
	return fmt.Sprintf("%s%s@%s/%s", c.User, pw, host, c.Database)
}

// IsZero reports whether no field is set.
func (c ConnectionConfig) IsZero() bool {
	return c == ConnectionConfig{}
}
