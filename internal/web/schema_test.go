// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

package web_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatekeep/gatekeep/internal/web"
)

func TestRequestSchemas(t *testing.T) {
	schemas, err := web.RequestSchemas()
	require.NoError(t, err)
	require.Len(t, schemas, 3)

	var register struct {
		ID         string                    `json:"$id"`
		Required   []string                  `json:"required"`
		Properties map[string]map[string]any `json:"properties"`
	}
	require.NoError(t, json.Unmarshal(schemas["register"], &register))
	assert.Equal(t, "https://gatekeep.dev/schemas/registerrequest.json", register.ID)
	assert.ElementsMatch(t, []string{"email", "username", "password"}, register.Required)
	assert.Equal(t, "email", register.Properties["email"]["format"])
	assert.InDelta(t, 8, register.Properties["password"]["minLength"], 0)

	var update struct {
		Required []string `json:"required"`
	}
	require.NoError(t, json.Unmarshal(schemas["update_profile"], &update))
	assert.Empty(t, update.Required, "profile fields are optional")
}
