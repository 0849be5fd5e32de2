package events_test

import (
	"context"
	"errors"
	"testing"

	"github.com/KAsare1/medibook-server/service/events"
	"github.com/KAsare1/medibook-server/service/events/mocks"

	"go.uber.org/mock/gomock"
)

func TestEmit_SwallowsBrokerErrors(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	pub := mocks.NewMockPublisher(ctrl)

	pub.EXPECT().PublishJSON(gomock.Any(), events.AppointmentPaid, gomock.Any()).Return(errors.New("broker down"))

	// must not panic or propagate
	events.Emit(context.Background(), pub, events.AppointmentPaid, map[string]any{"appointment_id": 1})
}

func TestEmit_NilAndNop(t *testing.T) {
	events.Emit(context.Background(), nil, events.AppointmentBooked, nil)
	events.Emit(context.Background(), events.NopPublisher{}, events.AppointmentBooked, nil)
	if err := (events.NopPublisher{}).Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
