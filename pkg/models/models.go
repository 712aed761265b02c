package models

// RegistrationResponse is returned to a device after a successful
// registration. Certificate holds the issued certificate followed by the CA
// certificate, both PEM.
type RegistrationResponse struct {
	Certificate string `json:"certificate"`
	KeycloakURL string `json:"keycloak_url"`
	NATSURL     string `json:"nats_url"`
}

// ErrorEnvelope wraps every error response.
type ErrorEnvelope struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody carries the HTTP status as a string, e.g. "401".
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
