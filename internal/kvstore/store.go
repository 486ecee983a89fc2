package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"smsrelay/internal/constants"
	apperrors "smsrelay/internal/errors"
	"smsrelay/internal/models"

	"github.com/redis/go-redis/v9"
)

const (
	fieldServerBaseURL = "serverBaseUrl"
	fieldBearerToken   = "bearerToken"
	fieldLegacySecret  = "legacySecret"
	fieldUseHMACOnly   = "useHmacOnly"
)

// Store keeps credentials in a redis hash and the last forward status in a
// JSON string, both under a shared key prefix
type Store struct {
	rdb    *redis.Client
	prefix string
}

// NewClient opens a client for the settings backend configuration
func NewClient(cfg models.SettingsConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddress,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

func New(rdb *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = "smsrelay"
	}
	return &Store{rdb: rdb, prefix: prefix}
}

func (s *Store) credentialsKey() string { return s.prefix + ":credentials" }

func (s *Store) statusKey() string { return s.prefix + ":forward_status" }

// Ping verifies the connection
func (s *Store) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeDatabaseConnection, "redis ping failed")
	}
	return nil
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

func (s *Store) GetCredentials(ctx context.Context) (models.Credentials, error) {
	values, err := s.rdb.HGetAll(ctx, s.credentialsKey()).Result()
	if err != nil {
		return models.Credentials{}, apperrors.NewDatabaseError("read credentials", err)
	}

	creds := models.Credentials{
		ServerBaseURL: models.NormalizeBaseURL(values[fieldServerBaseURL]),
		BearerToken:   values[fieldBearerToken],
		LegacySecret:  values[fieldLegacySecret],
	}
	if creds.ServerBaseURL == "" {
		creds.ServerBaseURL = constants.DefaultServerBaseURL
	}
	creds.UseHMACOnly, _ = strconv.ParseBool(values[fieldUseHMACOnly])
	return creds, nil
}

func credentialFields(creds models.Credentials) map[string]interface{} {
	return map[string]interface{}{
		fieldServerBaseURL: models.NormalizeBaseURL(creds.ServerBaseURL),
		fieldBearerToken:   creds.BearerToken,
		fieldLegacySecret:  creds.LegacySecret,
		fieldUseHMACOnly:   strconv.FormatBool(creds.UseHMACOnly),
	}
}

// SaveCredentials replaces all credential fields
func (s *Store) SaveCredentials(ctx context.Context, creds models.Credentials) error {
	if err := s.rdb.HSet(ctx, s.credentialsKey(), credentialFields(creds)).Err(); err != nil {
		return apperrors.NewDatabaseError("save credentials", err)
	}
	return nil
}

// SeedCredentials stores creds only when nothing is stored yet
func (s *Store) SeedCredentials(ctx context.Context, creds models.Credentials) (bool, error) {
	key := s.credentialsKey()
	seeded := false

	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if exists > 0 {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, credentialFields(creds))
			return nil
		})
		if err == nil {
			seeded = true
		}
		return err
	}, key)
	if err != nil {
		return false, apperrors.NewDatabaseError("seed credentials", err)
	}
	return seeded, nil
}

type statusRecord struct {
	Endpoint         string  `json:"endpoint"`
	AttemptAtEpochMs int64   `json:"attemptAtEpochMs"`
	HTTPCode         int     `json:"httpCode"`
	ErrorBody        *string `json:"errorBody,omitempty"`
}

// RecordLastForwardAttempt overwrites the stored status
func (s *Store) RecordLastForwardAttempt(ctx context.Context, endpoint string, atEpochMs int64, httpCode int, errorBody *string) error {
	data, err := json.Marshal(statusRecord{
		Endpoint:         endpoint,
		AttemptAtEpochMs: atEpochMs,
		HTTPCode:         httpCode,
		ErrorBody:        errorBody,
	})
	if err != nil {
		return fmt.Errorf("failed to encode forward status: %w", err)
	}
	if err := s.rdb.Set(ctx, s.statusKey(), data, 0).Err(); err != nil {
		return apperrors.NewDatabaseError("record forward status", err)
	}
	return nil
}

func (s *Store) GetLastForwardStatus(ctx context.Context) (models.LastForwardStatus, error) {
	raw, err := s.rdb.Get(ctx, s.statusKey()).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.NewLastForwardStatus(nil, 0, 0, nil), nil
	}
	if err != nil {
		return models.LastForwardStatus{}, apperrors.NewDatabaseError("read forward status", err)
	}

	var rec statusRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return models.LastForwardStatus{}, fmt.Errorf("failed to decode forward status: %w", err)
	}

	var endpoint *string
	if rec.Endpoint != "" {
		endpoint = &rec.Endpoint
	}
	return models.NewLastForwardStatus(endpoint, rec.AttemptAtEpochMs, rec.HTTPCode, rec.ErrorBody), nil
}
