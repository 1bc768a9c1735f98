package config

import (
	"encoding/json"
	"fmt"
)

// PipelineProfile is one upstream attempt: endpoint, credential, model and
// the two per-step deadlines.
type PipelineProfile struct {
	ID                  string `json:"id"`
	Provider            string `json:"provider"`
	URL                 string `json:"url"`
	Key                 string `json:"key"`
	Model               string `json:"model"`
	FirstChunkTimeoutMs int64  `json:"firstchunk_timeout_ms"`
	TotalTimeoutMs      int64  `json:"total_timeout_ms"`
}

// AIConfigSource is the channel layout: named ordered profile lists plus the
// tier to channel mapping.
type AIConfigSource struct {
	Channels    map[string][]PipelineProfile `json:"channels"`
	TierMapping map[string]string            `json:"tier_mapping"`
}

// ParseAIConfigSource decodes and validates an ai_config_source document.
// Every profile must carry all seven fields; tier_mapping targets must exist.
func ParseAIConfigSource(raw json.RawMessage) (*AIConfigSource, error) {
	var src AIConfigSource
	if err := json.Unmarshal(raw, &src); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if len(src.Channels) == 0 {
		return nil, fmt.Errorf("%w: no channels", ErrInvalidConfig)
	}
	if len(src.TierMapping) == 0 {
		return nil, fmt.Errorf("%w: no tier_mapping", ErrInvalidConfig)
	}
	for name, profiles := range src.Channels {
		if len(profiles) == 0 {
			return nil, fmt.Errorf("%w: channel %q is empty", ErrInvalidConfig, name)
		}
		for i, p := range profiles {
			if err := validateProfile(p); err != nil {
				return nil, fmt.Errorf("%w: channel %q profile %d: %v", ErrInvalidConfig, name, i, err)
			}
		}
	}
	for tier, channel := range src.TierMapping {
		if _, ok := src.Channels[channel]; !ok {
			return nil, fmt.Errorf("%w: tier %q maps to unknown channel %q", ErrInvalidConfig, tier, channel)
		}
	}
	return &src, nil
}

func validateProfile(p PipelineProfile) error {
	switch {
	case p.ID == "":
		return fmt.Errorf("missing id")
	case p.Provider == "":
		return fmt.Errorf("missing provider")
	case p.URL == "":
		return fmt.Errorf("missing url")
	case p.Key == "":
		return fmt.Errorf("missing key")
	case p.Model == "":
		return fmt.Errorf("missing model")
	case p.FirstChunkTimeoutMs <= 0:
		return fmt.Errorf("missing firstchunk_timeout_ms")
	case p.TotalTimeoutMs <= 0:
		return fmt.Errorf("missing total_timeout_ms")
	}
	return nil
}
