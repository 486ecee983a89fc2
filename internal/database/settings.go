package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"smsrelay/internal/constants"
	apperrors "smsrelay/internal/errors"
	"smsrelay/internal/models"
)

const (
	settingServerBaseURL = "server_base_url"
	settingBearerToken   = "bearer_token"
	settingLegacySecret  = "legacy_secret"
	settingUseHMACOnly   = "use_hmac_only"
)

// GetCredentials returns the stored credentials. Missing values fall back to
// the default server URL and empty secrets.
func (d *Database) GetCredentials(ctx context.Context) (models.Credentials, error) {
	rows, err := d.db.QueryContext(ctx, SelectSettingsQuery)
	if err != nil {
		return models.Credentials{}, apperrors.NewDatabaseError("read settings", err)
	}
	defer rows.Close()

	values := make(map[string]string)
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return models.Credentials{}, err
		}
		values[name] = value
	}
	if err := rows.Err(); err != nil {
		return models.Credentials{}, err
	}

	creds := models.Credentials{
		ServerBaseURL: models.NormalizeBaseURL(values[settingServerBaseURL]),
	}
	if creds.ServerBaseURL == "" {
		creds.ServerBaseURL = constants.DefaultServerBaseURL
	}
	if creds.BearerToken, err = d.secrets.Open(fieldBearerToken, values[settingBearerToken]); err != nil {
		return models.Credentials{}, fmt.Errorf("failed to decrypt bearer token: %w", err)
	}
	if creds.LegacySecret, err = d.secrets.Open(fieldLegacySecret, values[settingLegacySecret]); err != nil {
		return models.Credentials{}, fmt.Errorf("failed to decrypt secret: %w", err)
	}
	creds.UseHMACOnly, _ = strconv.ParseBool(values[settingUseHMACOnly])
	return creds, nil
}

// SaveCredentials replaces all stored credential fields
func (d *Database) SaveCredentials(ctx context.Context, creds models.Credentials) error {
	token, err := d.secrets.Seal(fieldBearerToken, creds.BearerToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt bearer token: %w", err)
	}
	secret, err := d.secrets.Seal(fieldLegacySecret, creds.LegacySecret)
	if err != nil {
		return fmt.Errorf("failed to encrypt secret: %w", err)
	}

	values := [][2]string{
		{settingServerBaseURL, models.NormalizeBaseURL(creds.ServerBaseURL)},
		{settingBearerToken, token},
		{settingLegacySecret, secret},
		{settingUseHMACOnly, strconv.FormatBool(creds.UseHMACOnly)},
	}

	return retryableDBOperationNoReturn(ctx, func() error {
		tx, err := d.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer rollback(tx)

		now := time.Now().UnixMilli()
		for _, kv := range values {
			if _, err := tx.ExecContext(ctx, UpsertSettingQuery, kv[0], kv[1], now); err != nil {
				return err
			}
		}
		return tx.Commit()
	}, "save credentials")
}

// SeedCredentials stores creds only when no settings exist yet
func (d *Database) SeedCredentials(ctx context.Context, creds models.Credentials) (bool, error) {
	var count int
	if err := d.db.QueryRowContext(ctx, CountSettingsQuery).Scan(&count); err != nil {
		return false, apperrors.NewDatabaseError("count settings", err)
	}
	if count > 0 {
		return false, nil
	}
	return true, d.SaveCredentials(ctx, creds)
}

// RecordLastForwardAttempt overwrites the singleton status row
func (d *Database) RecordLastForwardAttempt(ctx context.Context, endpoint string, atEpochMs int64, httpCode int, errorBody *string) error {
	return retryableDBOperationNoReturn(ctx, func() error {
		_, err := d.db.ExecContext(ctx, UpsertForwardStatusQuery, endpoint, atEpochMs, httpCode, errorBody)
		return err
	}, "record forward status")
}

func (d *Database) GetLastForwardStatus(ctx context.Context) (models.LastForwardStatus, error) {
	var (
		endpoint, errorBody sql.NullString
		atMs                int64
		code                int
	)

	err := d.db.QueryRowContext(ctx, SelectForwardStatusQuery).Scan(&endpoint, &atMs, &code, &errorBody)
	if errors.Is(err, sql.ErrNoRows) {
		return models.NewLastForwardStatus(nil, 0, 0, nil), nil
	}
	if err != nil {
		return models.LastForwardStatus{}, apperrors.NewDatabaseError("read forward status", err)
	}

	var ep, body *string
	if endpoint.Valid {
		ep = &endpoint.String
	}
	if errorBody.Valid {
		body = &errorBody.String
	}
	return models.NewLastForwardStatus(ep, atMs, code, body), nil
}
