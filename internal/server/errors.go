package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	invoicedomain "github.com/smallbiznis/mercat/internal/invoice/domain"
	offeringdomain "github.com/smallbiznis/mercat/internal/offering/domain"
	orderdomain "github.com/smallbiznis/mercat/internal/order/domain"
	"github.com/smallbiznis/mercat/internal/order/processor"
	orgdomain "github.com/smallbiznis/mercat/internal/organization/domain"
	"github.com/smallbiznis/mercat/internal/plugin"
	resourcedomain "github.com/smallbiznis/mercat/internal/resource/domain"
	usagedomain "github.com/smallbiznis/mercat/internal/usage/domain"
)

// APIError is the JSON error envelope.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
	Field   string `json:"field,omitempty"`
}

func (e *APIError) Error() string { return e.Code }

var (
	ErrNotFound           = &APIError{Status: http.StatusNotFound, Code: "not_found"}
	ErrServiceUnavailable = &APIError{Status: http.StatusServiceUnavailable, Code: "service_unavailable"}
)

func invalidRequestError() *APIError {
	return &APIError{Status: http.StatusBadRequest, Code: "invalid_request", Message: "malformed request body"}
}

var notFoundErrors = []error{
	orderdomain.ErrOrderNotFound,
	offeringdomain.ErrOfferingNotFound,
	offeringdomain.ErrPlanNotFound,
	invoicedomain.ErrInvoiceNotFound,
	resourcedomain.ErrResourceNotFound,
	orgdomain.ErrOrganizationNotFound,
	orgdomain.ErrProjectNotFound,
}

var conflictErrors = []error{
	orderdomain.ErrOrderNotPending,
	orderdomain.ErrOrderNotApprovable,
	orderdomain.ErrInvalidTransition,
	resourcedomain.ErrInvalidTransition,
	resourcedomain.ErrStateConflict,
	offeringdomain.ErrOfferingNotDraft,
	offeringdomain.ErrOfferingNotActive,
	offeringdomain.ErrOfferingArchived,
	invoicedomain.ErrInvoiceNotPending,
	invoicedomain.ErrInvoiceNotCreated,
	invoicedomain.ErrInvoiceClosed,
}

var badRequestErrors = []error{
	orderdomain.ErrInvalidOrganization,
	orderdomain.ErrInvalidProject,
	orderdomain.ErrInvalidOrderID,
	orderdomain.ErrInvalidOrderType,
	orderdomain.ErrInvalidResourceID,
	orderdomain.ErrInvalidPlan,
	orderdomain.ErrInvalidLimits,
	orderdomain.ErrEmptyOrder,
	orderdomain.ErrApprovalMissing,
	orderdomain.ErrLimitsNotUpdatable,
	offeringdomain.ErrInvalidProvider,
	offeringdomain.ErrInvalidOfferingType,
	offeringdomain.ErrInvalidOfferingID,
	offeringdomain.ErrInvalidPlanUnit,
	offeringdomain.ErrInvalidComponent,
	offeringdomain.ErrInvalidPrice,
	offeringdomain.ErrUnknownComponentType,
	invoicedomain.ErrInvalidInvoiceID,
	invoicedomain.ErrInvalidPeriod,
	usagedomain.ErrInvalidResource,
	usagedomain.ErrInvalidComponentType,
	usagedomain.ErrInvalidValue,
	usagedomain.ErrComponentNotUsage,
	usagedomain.ErrResourceNotBillable,
	usagedomain.ErrNoOpenPlanPeriod,
	plugin.ErrPluginNotFound,
}

// AbortWithError maps a domain error to an HTTP response and aborts the
// request. Unmapped errors become opaque 500s; the middleware logs the cause.
func AbortWithError(c *gin.Context, err error) {
	_ = c.Error(err)

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		c.AbortWithStatusJSON(apiErr.Status, apiErr)
		return
	}
	var validation *processor.ValidationError
	if errors.As(err, &validation) {
		c.AbortWithStatusJSON(http.StatusBadRequest, &APIError{
			Code:    "validation_failed",
			Message: validation.Reason,
			Field:   validation.Field,
		})
		return
	}
	for _, known := range notFoundErrors {
		if errors.Is(err, known) {
			c.AbortWithStatusJSON(http.StatusNotFound, &APIError{Code: known.Error()})
			return
		}
	}
	for _, known := range conflictErrors {
		if errors.Is(err, known) {
			c.AbortWithStatusJSON(http.StatusConflict, &APIError{Code: known.Error()})
			return
		}
	}
	for _, known := range badRequestErrors {
		if errors.Is(err, known) {
			c.AbortWithStatusJSON(http.StatusBadRequest, &APIError{Code: known.Error()})
			return
		}
	}
	if errors.Is(err, processor.ErrBackendUnavailable) {
		c.AbortWithStatusJSON(http.StatusBadGateway, &APIError{Code: "backend_unavailable"})
		return
	}
	c.AbortWithStatusJSON(http.StatusInternalServerError, &APIError{Code: "internal_error"})
}
