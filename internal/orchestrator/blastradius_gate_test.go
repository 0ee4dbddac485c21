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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anumate/capcore/internal/orchestrator/engine"
	"github.com/anumate/capcore/internal/safety/blastradius"
)

func TestBlastradiusInput_RefundIsDestructiveDataMutation(t *testing.T) {
	in := blastradiusInput(Request{
		Engine: engine.ToolRefund,
		Actor:  "actor-1",
		EngineParams: EngineParams{
			PaymentID: "pay_123",
		},
	})

	assert.Equal(t, blastradius.ActionTierDestructiveMutation, in.Tier)
	assert.Equal(t, blastradius.MutationDepthData, in.MutationDepth)
	require.Len(t, in.Targets, 1)
	assert.Equal(t, "pay_123", in.Targets[0].Name)
	assert.Equal(t, "prod", in.Targets[0].Environment)
	assert.Contains(t, in.ActorRoles, "actor-1")
}

func TestBlastradiusInput_PaymentLinkIsServiceMutation(t *testing.T) {
	in := blastradiusInput(Request{
		Engine:       engine.ToolPaymentLink,
		EngineParams: EngineParams{PaymentID: "pay_456"},
	})

	assert.Equal(t, blastradius.ActionTierServiceMutation, in.Tier)
	assert.Equal(t, blastradius.MutationDepthService, in.MutationDepth)
}

type denyingScorer struct{}

func (denyingScorer) Assess(blastradius.Input) blastradius.Assessment {
	return blastradius.Assessment{Decision: blastradius.DecisionDeny, Reasons: []string{"critical_non_admin"}}
}

func TestDispatchEngine_RejectsWhenBlastRadiusDenies(t *testing.T) {
	o := New(&fakeTokenVerifier{valid: true, caps: []string{"payments.execute"}}, newTestCompiler(), &fakeExecutor{status: "COMPLETED"}, &fakeApprovals{}, &fakeReceipts{}, nil).
		WithRazorpayDispatcher(engine.NewDispatcher("", "remote")).
		WithBlastRadius(denyingScorer{})

	result, err := o.Execute(context.Background(), Request{
		CapabilityToken: "tok",
		Tenant:          "tenant-1",
		Engine:          engine.ToolRefund,
		EngineParams:    EngineParams{PaymentID: "pay_789"},
	})

	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, result.Status)
}
