package config

import "fmt"

// ValidateConfig rejects knob combinations the engine would otherwise clamp
// silently. It runs after normalize, so zero values are already defaulted.
func ValidateConfig(cfg *Config) error {
	if cfg.Mesh.InitialReputation > 100 {
		return fmt.Errorf("mesh: InitialReputation > 100")
	}
	if cfg.Mesh.SuccessDelta > 100 || cfg.Mesh.FailureDelta > 100 {
		return fmt.Errorf("mesh: reputation delta > 100")
	}
	if cfg.Mesh.TTL > 255 {
		return fmt.Errorf("mesh: TTL does not fit in one byte")
	}
	if cfg.Mesh.Fanout < 3 || cfg.Mesh.Fanout > 6 {
		return fmt.Errorf("mesh: Fanout outside 3..6")
	}
	if cfg.Mesh.TargetConnected > cfg.Mesh.MaxPeers {
		return fmt.Errorf("mesh: TargetConnected > MaxPeers")
	}
	if cfg.Queue.MaxAttempts > 100 {
		return fmt.Errorf("queue: MaxAttempts > 100")
	}
	if cfg.Transport.MaxFrameBytes < 0 {
		return fmt.Errorf("transport: MaxFrameBytes < 0")
	}
	return nil
}
