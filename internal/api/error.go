package api

import (
	"errors"
	"fmt"
	"net/http"
)

type Error struct {
	code        string
	statusCode  int
	description string
}

func (err Error) Error() string {
	return fmt.Sprintf("%s %s", err.code, err.description)
}

func NewError(code string, status int, description string) Error {
	return Error{
		code:        code,
		statusCode:  status,
		description: description,
	}
}

func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr Error
	if !errors.As(err, &apiErr) {
		WriteError(w, r, Error{"INTERNAL_ERROR", http.StatusInternalServerError, "internal error"})
		return
	}

	errResp := errorResponse{
		Errors: []errorData{
			{
				Code:   apiErr.code,
				Title:  apiErr.code,
				Detail: apiErr.description,
			},
		},
		Meta: NewMeta(),
	}

	WriteJSON(w, errResp, apiErr.statusCode)
}

type errorResponse struct {
	Errors []errorData `json:"errors"`
	Meta   Meta        `json:"meta"`
}

type errorData struct {
	Code   string `json:"code"`
	Title  string `json:"title"`
	Detail string `json:"detail"`
}
