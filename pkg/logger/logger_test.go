package logger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type testMethod struct {
	fn    func(msg string, args ...any)
	level string
}

var (
	LogText         = "Test Log Value"
	CustomFieldName = "Somekey"
	CustomFieldVal  = "SomeVal"
)

type testLogJSON struct {
	Level     string `json:"level"`
	Msg       string `json:"msg"`
	Message   string `json:"message"`
	CustomVal any    `json:"Somekey"`
}

func TestSlogLogger(t *testing.T) {
	buffer := bytes.NewBuffer([]byte{})

	// level needs to be set to debug for log all
	handler := slog.NewJSONHandler(buffer, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := New(handler)

	testMethods := []testMethod{
		{fn: logger.Error, level: slog.LevelError.String()},
		{fn: logger.Warn, level: slog.LevelWarn.String()},
		{fn: logger.Info, level: slog.LevelInfo.String()},
		{fn: logger.Debug, level: slog.LevelDebug.String()},
	}

	for _, v := range testMethods {
		t.Run(fmt.Sprintf("testing %s", v.level), func(t *testing.T) {
			buffer.Reset()
			v.fn(LogText, CustomFieldName, CustomFieldVal)

			var got testLogJSON
			require.NoError(t, json.Unmarshal(buffer.Bytes(), &got))
			require.Equal(t, v.level, got.Level)
			require.Equal(t, LogText, got.Msg)
			require.Equal(t, CustomFieldVal, got.CustomVal)
		})
	}
}

func TestZerologLogger(t *testing.T) {
	buffer := bytes.NewBuffer([]byte{})
	logger := NewZerolog(zerolog.New(buffer).Level(zerolog.DebugLevel))

	testMethods := []testMethod{
		{fn: logger.Error, level: "error"},
		{fn: logger.Warn, level: "warn"},
		{fn: logger.Info, level: "info"},
		{fn: logger.Debug, level: "debug"},
	}

	for _, v := range testMethods {
		t.Run(fmt.Sprintf("testing %s", v.level), func(t *testing.T) {
			buffer.Reset()
			v.fn(LogText, CustomFieldName, CustomFieldVal)

			var got testLogJSON
			require.NoError(t, json.Unmarshal(buffer.Bytes(), &got))
			require.Equal(t, v.level, got.Level)
			require.Equal(t, LogText, got.Message)
			require.Equal(t, CustomFieldVal, got.CustomVal)
		})
	}
}

func TestZerologOddArgs(t *testing.T) {
	buffer := bytes.NewBuffer([]byte{})
	logger := NewZerolog(zerolog.New(buffer))

	require.NotPanics(t, func() {
		logger.Info("odd", "lonely")
	})
	require.Contains(t, buffer.String(), "lonely")
}

func TestDiscard(t *testing.T) {
	require.NotPanics(t, func() {
		Discard().Error("nothing", "k", "v")
	})
}
