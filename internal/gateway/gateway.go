// Package gateway описывает результаты вызовов платёжного провайдера.
package gateway

// Preference платёжная страница, созданная у провайдера
type Preference struct {
	ProviderID  string
	CheckoutURL string
}

// RefundResult результат возврата у провайдера
type RefundResult struct {
	ID     string
	Status string
	Amount int64
}
