package config

import (
	"errors"
	"fmt"
)

// Validate checks the structural validity of a Config. It verifies the
// version field, the storage path, the vocabulary, and the sender
// declarations. Policy defaults (cooldown windows, dispatch intervals)
// are filled later by the owning components, not here.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Version == "" {
		errs = append(errs, errors.New("config: version field is required"))
	} else if cfg.Version != "1" {
		errs = append(errs, fmt.Errorf("config: unsupported version %q (supported: \"1\")", cfg.Version))
	}

	if cfg.Storage.Path == "" {
		errs = append(errs, errors.New("config: storage.path is required"))
	}

	if len(cfg.Vocabulary) == 0 {
		errs = append(errs, errors.New("config: vocabulary must list at least one keyword"))
	}

	if len(cfg.Listener.Groups) == 0 {
		errs = append(errs, errors.New("config: listener.groups must list at least one chat"))
	}
	for chatID, tag := range cfg.Listener.Groups {
		if tag == "" {
			errs = append(errs, fmt.Errorf("config: listener.groups[%d]: source tag is required", chatID))
		}
	}

	if len(cfg.Senders) == 0 {
		errs = append(errs, errors.New("config: at least one sender must be configured"))
	}
	seen := make(map[string]bool, len(cfg.Senders))
	for i, s := range cfg.Senders {
		if s.ID == "" {
			errs = append(errs, fmt.Errorf("config: senders[%d]: id is required", i))
			continue
		}
		if seen[s.ID] {
			errs = append(errs, fmt.Errorf("config: duplicate sender id %q", s.ID))
		}
		seen[s.ID] = true
		if s.Token == "" {
			errs = append(errs, fmt.Errorf("config: senders[%d] (%s): token is required", i, s.ID))
		}
	}

	if cfg.Dispatch.Templates.Default == "" {
		errs = append(errs, errors.New("config: dispatch.templates.default is required"))
	}

	return errors.Join(errs...)
}
