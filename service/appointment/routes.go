package appointment

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	"github.com/KAsare1/medibook-server/cmd/models"
	"github.com/KAsare1/medibook-server/cmd/utils"
)

var validate = validator.New()

type BookAppointmentPayload struct {
	DoctorID uint `json:"doctor_id" validate:"required"`
	SlotID   uint `json:"slot_id" validate:"required"`
	PayNow   bool `json:"pay_now"`
}

type PaymentRedirectResponse struct {
	RedirectURL string             `json:"redirect_url"`
	Appointment models.Appointment `json:"appointment"`
}

type AppointmentHandler struct {
	svc *Service
}

func NewAppointmentHandler(svc *Service) *AppointmentHandler {
	return &AppointmentHandler{svc: svc}
}

func (h *AppointmentHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/appointments/book", h.BookAppointment).Methods("POST")
	router.HandleFunc("/appointments/{id:[0-9]+}", h.GetAppointment).Methods("GET")
	router.HandleFunc("/appointments/{id:[0-9]+}/pay", h.InitializeAppointmentPayment).Methods("POST")
	router.HandleFunc("/appointments/{id:[0-9]+}/cancel", h.CancelAppointment).Methods("PATCH")
}

func (h *AppointmentHandler) BookAppointment(w http.ResponseWriter, r *http.Request) {
	patientID, err := utils.GetUserIDFromContext(r)
	if err != nil {
		utils.WriteJSONError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var payload BookAppointmentPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.WriteJSONError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := validate.Struct(payload); err != nil {
		utils.WriteJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.svc.Book(r.Context(), patientID, payload.DoctorID, payload.SlotID, payload.PayNow)
	if err != nil {
		utils.WriteError(w, err)
		return
	}

	if payload.PayNow {
		utils.WriteJSON(w, http.StatusOK, PaymentRedirectResponse{RedirectURL: result.RedirectURL, Appointment: result.Appointment})
		return
	}
	utils.WriteJSON(w, http.StatusCreated, result.Appointment)
}

func (h *AppointmentHandler) InitializeAppointmentPayment(w http.ResponseWriter, r *http.Request) {
	patientID, appointmentID, ok := callerAndAppointment(w, r)
	if !ok {
		return
	}

	result, err := h.svc.InitiatePayment(r.Context(), patientID, appointmentID)
	if err != nil {
		utils.WriteError(w, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, PaymentRedirectResponse{RedirectURL: result.RedirectURL, Appointment: result.Appointment})
}

func (h *AppointmentHandler) CancelAppointment(w http.ResponseWriter, r *http.Request) {
	patientID, appointmentID, ok := callerAndAppointment(w, r)
	if !ok {
		return
	}

	appt, err := h.svc.Cancel(r.Context(), patientID, appointmentID)
	if err != nil {
		utils.WriteError(w, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, appt)
}

func (h *AppointmentHandler) GetAppointment(w http.ResponseWriter, r *http.Request) {
	patientID, appointmentID, ok := callerAndAppointment(w, r)
	if !ok {
		return
	}

	appt, err := h.svc.Get(r.Context(), patientID, appointmentID)
	if err != nil {
		utils.WriteError(w, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, appt)
}

func callerAndAppointment(w http.ResponseWriter, r *http.Request) (uint, uint, bool) {
	patientID, err := utils.GetUserIDFromContext(r)
	if err != nil {
		utils.WriteJSONError(w, http.StatusUnauthorized, "Unauthorized")
		return 0, 0, false
	}
	appointmentID, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		utils.WriteJSONError(w, http.StatusBadRequest, "Invalid appointment ID")
		return 0, 0, false
	}
	return patientID, uint(appointmentID), true
}
