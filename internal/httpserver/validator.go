package httpserver

import (
	"fmt"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"taskflow/internal/model"
)

// RegisterValidators adds the task enum tags to gin's validator engine.
func RegisterValidators() error {
	v, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return fmt.Errorf("unexpected validator engine %T", binding.Validator.Engine())
	}
	if err := v.RegisterValidation("task_status", validTaskStatus); err != nil {
		return err
	}
	return v.RegisterValidation("task_priority", validTaskPriority)
}

func validTaskStatus(fl validator.FieldLevel) bool {
	_, err := model.ParseTaskStatus(fl.Field().String())
	return err == nil
}

func validTaskPriority(fl validator.FieldLevel) bool {
	_, err := model.ParseTaskPriority(fl.Field().String())
	return err == nil
}
