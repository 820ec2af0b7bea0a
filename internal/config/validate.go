package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/loorksy/whatsapp-bot-backend/internal/schedule"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

const (
	DefaultAddr          = ":3000"
	DefaultTransportKind = "whatsapp"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		_ = v.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
			d, err := parseDuration(fl.Field().String())
			return err == nil && d >= 0
		})
		validate = v
	})
	return validate
}

// applyDefaults fills the keys whose absence has a fixed meaning.
func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Server.Addr) == "" {
		cfg.Server.Addr = DefaultAddr
	}
	cfg.Transport.Kind = strings.ToLower(strings.TrimSpace(cfg.Transport.Kind))
	if cfg.Transport.Kind == "" {
		cfg.Transport.Kind = DefaultTransportKind
	}
	cfg.Pipeline.EmptySelection = strings.ToLower(strings.TrimSpace(cfg.Pipeline.EmptySelection))
	if cfg.Pipeline.EmptySelection == "" {
		cfg.Pipeline.EmptySelection = "none"
	}
	cfg.Logging.Level = strings.ToLower(strings.TrimSpace(cfg.Logging.Level))
	if cfg.Storage != nil {
		cfg.Storage.Driver = strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	}
}

// Validate checks struct tags and the cross-field rules tags cannot express.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: config is nil", ErrInvalid)
	}
	if err := structValidator().Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if raw := strings.TrimSpace(cfg.Backfill.Schedule); raw != "" {
		if _, err := schedule.ParseSpec(raw); err != nil {
			return fmt.Errorf("%w: backfill.schedule: %v", ErrInvalid, err)
		}
	}
	if st := cfg.Storage; st != nil && st.Driver != "" && st.Driver != "none" && strings.TrimSpace(st.Path) == "" {
		return fmt.Errorf("%w: storage.path is required when storage.driver=%s", ErrInvalid, st.Driver)
	}
	return nil
}
