// Package retry — классификация ошибок и политика повторов стадий.
//
// Каждая ошибка попадает ровно в один класс. Повторяются только
// RETRYABLE_*; всё, что не удалось распознать, считается FATAL_UNKNOWN.
package retry

// Class — класс ошибки.
type Class string

const (
	// ClassTransient — таймауты, rate limit, 5xx.
	ClassTransient Class = "RETRYABLE_TRANSIENT"

	// ClassResource — временная нехватка мощности внешнего сервиса.
	ClassResource Class = "RETRYABLE_RESOURCE"

	// ClassConfiguration — ошибки аутентификации и конфигурации.
	ClassConfiguration Class = "FATAL_CONFIGURATION"

	// ClassData — повреждённый или неподдерживаемый вход.
	ClassData Class = "FATAL_DATA"

	// ClassUnknown — нераспознанная ошибка.
	ClassUnknown Class = "FATAL_UNKNOWN"
)

// Retryable возвращает true для классов, которые можно повторять.
func (c Class) Retryable() bool {
	return c == ClassTransient || c == ClassResource
}

// String возвращает строковое представление Class.
func (c Class) String() string {
	return string(c)
}
