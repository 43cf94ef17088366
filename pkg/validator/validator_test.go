package validator

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type amountRequest struct {
	Label  string          `json:"label" binding:"required,upper_label"`
	Amount decimal.Decimal `json:"amount" binding:"gt=0"`
}

func bind(t *testing.T, body string) error {
	t.Helper()
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(body))
	c.Request.Header.Set("Content-Type", "application/json")
	var req amountRequest
	return c.ShouldBindJSON(&req)
}

func TestCustomTagAndDecimal(t *testing.T) {
	require.NoError(t, Register("upper_label", func(fl validator.FieldLevel) bool {
		value := fl.Field().String()
		return value == strings.ToUpper(value)
	}))

	assert.NoError(t, bind(t, `{"label":"OK","amount":"10.50"}`))

	err := bind(t, `{"label":"lower","amount":"10.50"}`)
	require.Error(t, err)
	assert.Contains(t, Describe(err), "Label failed validation 'upper_label'")

	err = bind(t, `{"label":"OK","amount":0}`)
	require.Error(t, err)
	assert.Contains(t, Describe(err), "Amount must be greater than 0")

	err = bind(t, `{"amount":1}`)
	require.Error(t, err)
	assert.Contains(t, Describe(err), "Label is required")
}
