// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// validate checks struct tags on operator-supplied records. Initialized in
// init() with the domain enum validators.
var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("vendor_protocol", func(fl validator.FieldLevel) bool {
		return VendorProtocol(fl.Field().String()).Valid()
	})
	_ = validate.RegisterValidation("comparison", func(fl validator.FieldLevel) bool {
		return Comparison(fl.Field().String()).Valid()
	})
}

// Validate checks a Device, Rule, AuditSchedule or DiscoveryGroup against
// its struct tags. Field errors are joined into one error naming each
// failing field.
func Validate(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]error, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Errorf("%s: failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
	}
	return errors.Join(msgs...)
}
