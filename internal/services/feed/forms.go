package feed

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/BearBump/CourierBox/internal/errs"
	"github.com/go-playground/validator/v10"
)

const ReasonOther = "otro"

// Release reasons.
var ReleaseReasons = map[string]string{
	"problema_vehiculo":  "Problema con el vehículo",
	"emergencia":         "Emergencia personal",
	"muy_lejos":          "El pedido está muy lejos",
	"demora_restaurante": "Demora en el restaurante",
	ReasonOther:          "Otro",
}

// Undelivered report reasons.
var ProblemReasons = map[string]string{
	"cliente_no_responde":  "El cliente no responde",
	"direccion_incorrecta": "Dirección incorrecta",
	"cliente_cancelo":      "El cliente canceló",
	"pedido_incompleto":    "Pedido incompleto o dañado",
	ReasonOther:            "Otro",
}

const DispositionKept = "no_lo_devolvi"

var Dispositions = map[string]string{
	"devuelto_restaurante": "lo devolví al restaurante",
	DispositionKept:        "no lo devolví",
}

const (
	PaymentCash = "efectivo"
	PaymentApp  = "app"
)

type ReleaseForm struct {
	Reason string `json:"motivo" validate:"required,oneof=problema_vehiculo emergencia muy_lejos demora_restaurante otro"`
	Detail string `json:"detalle" validate:"required_if=Reason otro"`
}

type UndeliveredReport struct {
	Reason           string `json:"motivo" validate:"required,oneof=cliente_no_responde direccion_incorrecta cliente_cancelo pedido_incompleto otro"`
	ReasonDetail     string `json:"detalleMotivo" validate:"required_if=Reason otro"`
	CalledRestaurant string `json:"llamoRestaurante" validate:"required,oneof=si no"`
	Disposition      string `json:"accionPedido" validate:"required,oneof=devuelto_restaurante no_lo_devolvi"`
	KeptExplanation  string `json:"explicacionNoDevolvi" validate:"required_if=Disposition no_lo_devolvi"`
}

type DeliveryForm struct {
	PaymentMethod string `json:"metodoPago" validate:"required,oneof=efectivo app"`
}

func (f *ReleaseForm) normalize() {
	f.Reason = strings.TrimSpace(f.Reason)
	f.Detail = strings.TrimSpace(f.Detail)
}

func (r *UndeliveredReport) normalize() {
	r.Reason = strings.TrimSpace(r.Reason)
	r.ReasonDetail = strings.TrimSpace(r.ReasonDetail)
	r.CalledRestaurant = strings.ToLower(strings.TrimSpace(r.CalledRestaurant))
	r.Disposition = strings.TrimSpace(r.Disposition)
	r.KeptExplanation = strings.TrimSpace(r.KeptExplanation)
}

// Comment renders the structured cancellation comment the backend stores.
func (r UndeliveredReport) Comment() string {
	var b strings.Builder
	b.WriteString("REPORTE DE PROBLEMA:\n")
	fmt.Fprintf(&b, "Motivo: %s\n", label(ProblemReasons, r.Reason))
	if r.Reason == ReasonOther && r.ReasonDetail != "" {
		fmt.Fprintf(&b, "Detalle del motivo: %s\n", r.ReasonDetail)
	}
	fmt.Fprintf(&b, "¿Llamó al restaurante?: %s\n", r.CalledRestaurant)
	fmt.Fprintf(&b, "Acción tomada con el pedido: %s\n", label(Dispositions, r.Disposition))
	if r.Disposition == DispositionKept && r.KeptExplanation != "" {
		fmt.Fprintf(&b, "Explicación de por qué no lo devolvió: %s", r.KeptExplanation)
	}
	return b.String()
}

func label(m map[string]string, k string) string {
	if v, ok := m[k]; ok {
		return v
	}
	return k
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		tag := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if tag == "" {
			return f.Name
		}
		return tag
	})
	return v
}

func validateForm(form any) error {
	if err := validate.Struct(form); err != nil {
		return formatValidationErrors(err)
	}
	return nil
}

func formatValidationErrors(err error) *errs.Error {
	if ves, ok := err.(validator.ValidationErrors); ok {
		details := map[string]string{}
		for _, fe := range ves {
			details[fe.Field()] = validationMessage(fe)
		}
		return errs.New(errs.CodeValidation, "validation failed").WithDetails(details)
	}
	return errs.Wrap(errs.CodeValidation, err, "validation failed")
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_if":
		return "is required"
	case "oneof":
		return fmt.Sprintf("must be one of: %s", fe.Param())
	}
	return "is invalid"
}
