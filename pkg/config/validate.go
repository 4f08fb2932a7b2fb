package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/go-multierror"

	"github.com/volteria/controller/pkg/types"
)

var validate = validator.New()

// Validate checks the structural constraints of a site config: required
// identifiers, tag-level ranges and the cross-field rules the tags cannot
// express. All violations are reported at once.
func Validate(cfg *types.SiteConfig) error {
	var result *multierror.Error

	if err := validate.Struct(cfg); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, ve := range verrs {
				result = multierror.Append(result, &types.ConfigError{
					Field:  ve.Namespace(),
					Reason: fmt.Sprintf("failed %q validation", ve.Tag()),
				})
			}
		} else {
			result = multierror.Append(result, err)
		}
	}

	result = multierror.Append(result, checkDevices(cfg)...)

	return result.ErrorOrNil()
}

func checkDevices(cfg *types.SiteConfig) []error {
	var errs []error
	seen := make(map[string]bool, len(cfg.Devices))
	for _, dev := range cfg.Devices {
		if seen[dev.ID] {
			errs = append(errs, &types.ConfigError{Field: "devices", Reason: "duplicate device id " + dev.ID})
		}
		seen[dev.ID] = true

		switch dev.Transport.Type {
		case types.TransportTCP, types.TransportRTUGateway:
			if dev.Transport.Host == "" || dev.Transport.Port == 0 {
				errs = append(errs, &types.ConfigError{
					Field:  "devices." + dev.ID + ".transport",
					Reason: "network transport requires host and port",
				})
			}
		case types.TransportRTUSerial:
			if dev.Transport.SerialPort == "" {
				errs = append(errs, &types.ConfigError{
					Field:  "devices." + dev.ID + ".transport",
					Reason: "serial transport requires serial_port",
				})
			}
		}

		names := make(map[string]bool, len(dev.Registers))
		for _, reg := range dev.Registers {
			if names[reg.Name] {
				errs = append(errs, &types.ConfigError{
					Field:  "devices." + dev.ID + ".registers",
					Reason: "duplicate register name " + reg.Name,
				})
			}
			names[reg.Name] = true

			if reg.Encoding == types.EncodingUTF8 && reg.WordCount <= 0 {
				errs = append(errs, &types.ConfigError{
					Field:  "devices." + dev.ID + ".registers." + reg.Name,
					Reason: "utf8 register requires word_count",
				})
			}
		}
	}
	return errs
}
