package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"skillvault-service/internal/app"
	"skillvault-service/internal/domain"
)

// API holds the REST handlers.
type API struct {
	services *app.Services
	validate *validator.Validate
	log      logrus.FieldLogger
}

type startRequest struct {
	AssessmentID string `json:"assessmentId" validate:"required,max=128"`
}

type flagRequest struct {
	Type    domain.FlagType `json:"type" validate:"required,oneof=tab_switch right_click copy_paste keyboard_shortcut fullscreen_exit"`
	Details string          `json:"details" validate:"max=512"`
	At      time.Time       `json:"at"`
}

type submitRequest struct {
	Answers     map[string]string `json:"answers" validate:"max=500"`
	TabSwitches int               `json:"tabSwitches" validate:"gte=0"`
	Flags       []flagRequest     `json:"flags" validate:"max=1000,dive"`
}

type flagsRequest struct {
	Flags []flagRequest `json:"flags" validate:"required,min=1,max=100,dive"`
}

func toFlags(in []flagRequest) []domain.ProctorFlag {
	out := make([]domain.ProctorFlag, len(in))
	for i, f := range in {
		out[i] = domain.ProctorFlag{Type: f.Type, Details: f.Details, At: f.At}
	}
	return out
}

// decode reads a JSON body into dst and validates it. Failures are reported as ErrInvalidInput.
func (a *API) decode(r *http.Request, dst interface{}) (map[string]string, error) {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return nil, fmt.Errorf("decode body: %w", domain.ErrInvalidInput)
	}
	if err := a.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			details := make(map[string]string, len(verrs))
			for _, fe := range verrs {
				details[fe.Namespace()] = fe.Tag()
			}
			return details, domain.ErrInvalidInput
		}
		return nil, fmt.Errorf("%v: %w", err, domain.ErrInvalidInput)
	}
	return nil, nil
}

func (a *API) writeDecodeError(w http.ResponseWriter, details map[string]string, err error) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Details: details})
}

func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	if statusFor(err) == http.StatusInternalServerError {
		a.log.WithError(err).WithField("path", r.URL.Path).Error("request failed")
	}
	writeError(w, err)
}

func mustCaller(r *http.Request) domain.Caller {
	c, _ := callerFrom(r.Context())
	return c
}

func (a *API) startAttempt(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if details, err := a.decode(r, &req); err != nil {
		a.writeDecodeError(w, details, err)
		return
	}
	res, err := a.services.Attempts.StartOrResume(r.Context(), mustCaller(r), req.AssessmentID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Resumed {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

func (a *API) getAttempt(w http.ResponseWriter, r *http.Request) {
	res, err := a.services.Attempts.Result(r.Context(), mustCaller(r), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) submitAttempt(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if details, err := a.decode(r, &req); err != nil {
		a.writeDecodeError(w, details, err)
		return
	}
	res, err := a.services.Attempts.Submit(r.Context(), mustCaller(r), chi.URLParam(r, "id"), app.Submission{
		Answers:     req.Answers,
		TabSwitches: req.TabSwitches,
		Flags:       toFlags(req.Flags),
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) recordFlags(w http.ResponseWriter, r *http.Request) {
	var req flagsRequest
	if details, err := a.decode(r, &req); err != nil {
		a.writeDecodeError(w, details, err)
		return
	}
	status, err := a.services.Proctor.RecordFlags(r.Context(), mustCaller(r), chi.URLParam(r, "id"), toFlags(req.Flags))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (a *API) integrity(w http.ResponseWriter, r *http.Request) {
	status, err := a.services.Proctor.Status(r.Context(), mustCaller(r), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (a *API) issueCertificate(w http.ResponseWriter, r *http.Request) {
	res, err := a.services.Certificates.Issue(r.Context(), mustCaller(r), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.AlreadyExisted {
		status = http.StatusOK
	}
	writeJSON(w, status, res.Certificate)
}

func (a *API) mySkills(w http.ResponseWriter, r *http.Request) {
	skills, err := a.services.Attempts.Skills(r.Context(), mustCaller(r))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, skills)
}

func (a *API) myStreak(w http.ResponseWriter, r *http.Request) {
	streak, err := a.services.Attempts.Streak(r.Context(), mustCaller(r))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, streak)
}

func (a *API) myCertificates(w http.ResponseWriter, r *http.Request) {
	certs, err := a.services.Certificates.ForStudent(r.Context(), mustCaller(r))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, certs)
}

func (a *API) revokeCertificate(w http.ResponseWriter, r *http.Request) {
	cert, err := a.services.Certificates.Revoke(r.Context(), mustCaller(r), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cert)
}

// verify is anonymous. Unknown codes answer 404 with the same body shape as known ones.
func (a *API) verify(w http.ResponseWriter, r *http.Request) {
	v, err := a.services.Verification.Verify(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if v.Reason == app.ReasonNotFound {
		status = http.StatusNotFound
	}
	writeJSON(w, status, v)
}
