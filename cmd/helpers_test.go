package main

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveRunDate_Default(t *testing.T) {
	got, err := resolveRunDate("")
	require.NoError(t, err)
	assert.Equal(t, time.Now().UTC().Format("2006-01-02"), got)
}

func TestResolveRunDate_Valid(t *testing.T) {
	got, err := resolveRunDate("2026-08-30")
	require.NoError(t, err)
	assert.Equal(t, "2026-08-30", got)
}

func TestResolveRunDate_Invalid(t *testing.T) {
	_, err := resolveRunDate("30/08/2026")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run-date")
}

func TestResolveRunID(t *testing.T) {
	assert.Equal(t, "run-42", resolveRunID("run-42"))

	generated := resolveRunID("")
	_, err := uuid.Parse(generated)
	assert.NoError(t, err)
}
