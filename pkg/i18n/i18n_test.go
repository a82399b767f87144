package i18n

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEveryMessageTranslated(t *testing.T) {
	en := reflect.ValueOf(messagesEN)
	zh := reflect.ValueOf(messagesZH)
	for i := 0; i < en.NumField(); i++ {
		name := en.Type().Field(i).Name
		assert.NotEmpty(t, en.Field(i).String(), "en %s", name)
		assert.NotEmpty(t, zh.Field(i).String(), "zh %s", name)
	}
}

func TestSetLanguage(t *testing.T) {
	defer SetLanguage(LangEN)

	assert.Equal(t, "invalid context", Get("ReasonInvalidContext"))
	SetLanguage(LangZH)
	assert.Equal(t, LangZH, GetLanguage())
	assert.Equal(t, messagesZH.ReasonDeniedByMode, M().ReasonDeniedByMode)
	assert.Equal(t, "NoSuchKey", Get("NoSuchKey"))
	assert.Equal(t, messagesEN.ReasonDeniedByMode, For(LangEN).ReasonDeniedByMode)
}
