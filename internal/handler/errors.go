package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/geraldsadya/circles-backend-go/internal/models"
	"github.com/geraldsadya/circles-backend-go/internal/repository"
	"github.com/geraldsadya/circles-backend-go/pkg/response"
)

func fail(c *gin.Context, message string, err error) {
	var invalid validator.ValidationErrors
	switch {
	case errors.Is(err, repository.ErrNotFound):
		response.Error(c, http.StatusNotFound, message, err)
	case errors.Is(err, models.ErrInvalidSample), errors.Is(err, models.ErrInvalidDefinition), errors.As(err, &invalid):
		response.BadRequest(c, message, err)
	default:
		response.InternalError(c, message, err)
	}
}
