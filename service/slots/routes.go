package slots

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	"github.com/KAsare1/medibook-server/cmd/utils"
)

var validate = validator.New()

type GenerateSlotsPayload struct {
	StartDate       string `json:"start_date" validate:"required,datetime=2006-01-02"`
	EndDate         string `json:"end_date" validate:"required,datetime=2006-01-02"`
	DayStart        string `json:"day_start" validate:"required"`
	DayEnd          string `json:"day_end" validate:"required"`
	IntervalMinutes int    `json:"interval_minutes" validate:"omitempty,min=5,max=480"`
}

type SlotHandler struct {
	gen *Generator
}

func NewSlotHandler(gen *Generator) *SlotHandler {
	return &SlotHandler{gen: gen}
}

func (h *SlotHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/doctors/{doctorId}/slots/generate", h.GenerateSlots).Methods("POST")
	router.HandleFunc("/slots/{id}", h.DeleteSlot).Methods("DELETE")
}

func (h *SlotHandler) GenerateSlots(w http.ResponseWriter, r *http.Request) {
	doctorID, err := strconv.ParseUint(mux.Vars(r)["doctorId"], 10, 64)
	if err != nil {
		utils.WriteJSONError(w, http.StatusBadRequest, "Invalid doctor ID")
		return
	}

	if !h.authorized(w, r, uint(doctorID)) {
		return
	}

	var payload GenerateSlotsPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.WriteJSONError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := validate.Struct(payload); err != nil {
		utils.WriteJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	req, err := payload.toRequest(uint(doctorID))
	if err != nil {
		utils.WriteError(w, err)
		return
	}

	result, err := h.gen.Generate(r.Context(), req)
	if err != nil {
		utils.WriteError(w, err)
		return
	}
	utils.WriteJSON(w, http.StatusCreated, result)
}

func (h *SlotHandler) DeleteSlot(w http.ResponseWriter, r *http.Request) {
	slotID, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		utils.WriteJSONError(w, http.StatusBadRequest, "Invalid slot ID")
		return
	}
	// a slot can be bound to several doctors, so removing it is an admin task
	if !h.authorized(w, r, 0) {
		return
	}
	if err := h.gen.DeleteSlot(r.Context(), uint(slotID)); err != nil {
		utils.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// authorized lets admins manage any schedule and doctors only their own.
// doctorID 0 admits admins only.
func (h *SlotHandler) authorized(w http.ResponseWriter, r *http.Request, doctorID uint) bool {
	callerID, err := utils.GetUserIDFromContext(r)
	if err != nil {
		utils.WriteJSONError(w, http.StatusUnauthorized, "Unauthorized")
		return false
	}
	role := utils.GetRoleFromContext(r)
	if role == utils.RoleAdmin || (role == utils.RoleDoctor && doctorID != 0 && callerID == doctorID) {
		return true
	}
	log.Printf("[slots] forbidden caller_id=%d role=%s doctor_id=%d", callerID, role, doctorID)
	utils.WriteError(w, fmt.Errorf("%w: caller %d may not manage this schedule", utils.ErrUnauthorized, callerID))
	return false
}

func (p GenerateSlotsPayload) toRequest(doctorID uint) (GenerateRequest, error) {
	from, err := time.Parse("2006-01-02", p.StartDate)
	if err != nil {
		return GenerateRequest{}, fmt.Errorf("%w: start_date", utils.ErrInvalidRequest)
	}
	to, err := time.Parse("2006-01-02", p.EndDate)
	if err != nil {
		return GenerateRequest{}, fmt.Errorf("%w: end_date", utils.ErrInvalidRequest)
	}
	dayStart, err := ParseTimeOfDay(p.DayStart)
	if err != nil {
		return GenerateRequest{}, err
	}
	dayEnd, err := ParseTimeOfDay(p.DayEnd)
	if err != nil {
		return GenerateRequest{}, err
	}
	return GenerateRequest{
		DoctorID: doctorID,
		From:     from,
		To:       to,
		DayStart: dayStart,
		DayEnd:   dayEnd,
		Interval: time.Duration(p.IntervalMinutes) * time.Minute,
	}, nil
}
