/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package orchestrator

import (
	"context"

	"github.com/anumate/capcore/internal/captoken"
)

// CapTokenVerifier adapts internal/captoken.Service's (*VerifyResult, error)
// return onto the TokenVerifier interface's (valid, capabilities, err) shape.
type CapTokenVerifier struct {
	Service *captoken.Service
}

// NewCapTokenVerifier wraps a captoken.Service as a TokenVerifier.
func NewCapTokenVerifier(service *captoken.Service) *CapTokenVerifier {
	return &CapTokenVerifier{Service: service}
}

func (v *CapTokenVerifier) Verify(ctx context.Context, token, tenant string) (bool, []string, error) {
	result, err := v.Service.Verify(ctx, token, tenant)
	if err != nil {
		return false, nil, err
	}
	if !result.Valid || result.Payload == nil {
		return false, nil, nil
	}
	return true, result.Payload.Cap, nil
}
