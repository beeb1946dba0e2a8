// Package config loads the daemon configuration.
//
// Values are resolved in order: built-in defaults, the optional YAML file,
// then environment overrides. The result is validated once and passed
// explicitly to every component; nothing reads configuration globally.
//
// Usage:
//
//	cfg, err := config.Load(config.DefaultPath())
//	if err != nil {
//	    return err
//	}
//	fmt.Println(cfg.Socket.Path)
package config
