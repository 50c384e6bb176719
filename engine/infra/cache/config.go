package cache

import "time"

type Config struct {
	URL      string `json:"url,omitempty"       mapstructure:"url"`
	Host     string `json:"host,omitempty"      mapstructure:"host"`
	Port     string `json:"port,omitempty"      mapstructure:"port"`
	Password string `json:"password,omitempty"  mapstructure:"password"`
	DB       int    `json:"db,omitempty"        mapstructure:"db"`
	PoolSize int    `json:"pool_size,omitempty" mapstructure:"pool_size"`

	DialTimeout  time.Duration `json:"dial_timeout,omitempty"  mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `json:"read_timeout,omitempty"  mapstructure:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout,omitempty" mapstructure:"write_timeout"`
	PingTimeout  time.Duration `json:"ping_timeout,omitempty"  mapstructure:"ping_timeout"`
}
