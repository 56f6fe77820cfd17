package middleware

import (
	"github.com/CSCI128/packtrain-sub001/pkg/errutil"

	"github.com/gin-gonic/gin"
)

func Error() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		err := c.Errors.Last()
		if err == nil {
			return
		}

		if v, ok := err.Err.(errutil.BaseError); ok {
			c.JSON(v.Code.HTTPStatus(), v.JSON())
			return
		}

		c.JSON(errutil.StatusInternal.HTTPStatus(), gin.H{"error": gin.H{"message": err.Error()}})
	}
}
