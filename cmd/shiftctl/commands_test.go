package main

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"shiftbot/internal/db/models"
	"shiftbot/internal/shift"

	"github.com/go-chi/jwtauth/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMintToken(t *testing.T) {
	token, err := mintToken("secret", "g1", "ops", time.Hour)
	require.NoError(t, err)

	tok, err := jwtauth.VerifyToken(jwtauth.New("HS256", []byte("secret"), nil), token)
	require.NoError(t, err)
	assert.Equal(t, "ops", tok.Subject())
	assert.Equal(t, "g1", tok.PrivateClaims()["guild_id"])
	assert.WithinDuration(t, time.Now().Add(time.Hour), tok.Expiration(), time.Minute)

	_, err = jwtauth.VerifyToken(jwtauth.New("HS256", []byte("other"), nil), token)
	assert.Error(t, err)
}

func TestMintTokenWithoutExpiry(t *testing.T) {
	token, err := mintToken("secret", "*", "ops", 0)
	require.NoError(t, err)
	tok, err := jwtauth.VerifyToken(jwtauth.New("HS256", []byte("secret"), nil), token)
	require.NoError(t, err)
	assert.True(t, tok.Expiration().IsZero())
}

func TestConfirm(t *testing.T) {
	for input, want := range map[string]bool{"y\n": true, "YES\n": true, "n\n": false, "": false} {
		var out bytes.Buffer
		assert.Equal(t, want, confirm(strings.NewReader(input), &out, "Wipe?"), input)
		assert.Equal(t, "Wipe? [y/N] ", out.String())
	}
}

func TestPrintImport(t *testing.T) {
	res := shift.ImportResult{Imported: 1}
	res.Rows = append(res.Rows, shift.ImportRow{Index: 2, ShiftID: uuid.New()})
	res.AddFailure(3, errors.New("missing user"))

	var out bytes.Buffer
	printImport(&out, res)
	assert.Equal(t, "1 imported, 0 skipped, 1 failed\nrow 3: missing user\n", out.String())
}

func TestPrintWipe(t *testing.T) {
	var out bytes.Buffer
	printWipe(&out, shift.WipeResult{Matched: 3, Deleted: 2, Failed: 1, ProfilesUpdated: 1, Errors: []error{errors.New("timeout")}})
	assert.Equal(t, "matched 3, deleted 2, skipped 0, failed 1\nprofiles updated 1, failed 0\nerror: timeout\n", out.String())
}

func TestPrintReconcile(t *testing.T) {
	var out bytes.Buffer
	printReconcile(&out, shift.ReconcileResult{Checked: 4, Credited: 1, ProfilesFailed: 1, Errors: []error{errors.New("locked")}})
	assert.Equal(t, "checked 4, credited 1, profiles failed 1\nerror: locked\n", out.String())
}

func TestPrintProfiles(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, printProfiles(&out, []*models.Profile{
		{UserID: "u1", Totals: models.Durations{OnDuty: 90 * time.Minute, OnBreak: 5 * time.Minute}, ShiftIDs: []uuid.UUID{uuid.New(), uuid.New()}},
	}))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, []string{"USER", "ON", "DUTY", "ON", "BREAK", "SHIFTS"}, strings.Fields(lines[0]))
	assert.Equal(t, []string{"u1", "1h30m0s", "5m0s", "2"}, strings.Fields(lines[1]))
}
