package server

import (
	"net/http"

	"github.com/invopop/jsonschema"

	"github.com/koscakluka/ema-avatar/core/events"
)

// eventSchemaHandler describes the view carried by every session socket
// event, so presenters can be generated against it.
func (s *Server) eventSchemaHandler(w http.ResponseWriter, r *http.Request) {
	reflector := jsonschema.Reflector{DoNotReference: true}
	schema := reflector.Reflect(&events.View{})
	schema.Title = "Session view"
	writeJSON(w, http.StatusOK, schema)
}
