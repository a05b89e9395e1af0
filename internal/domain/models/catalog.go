package models

import "time"

/**
 * Service 服务目录读模型
 */
type Service struct {
	ID        int64     `json:"id" yaml:"id"`
	VendorID  int64     `json:"vendor_id" yaml:"vendor_id"`
	Title     string    `json:"title" yaml:"title"`
	Price     int64     `json:"price" yaml:"price"`
	Approved  bool      `json:"approved" yaml:"approved"`
	Active    bool      `json:"active" yaml:"active"`
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// IsPurchasable 已审核、已上架且价格有效
func (s *Service) IsPurchasable() bool {
	return s.Approved && s.Active && s.Price > 0
}

// CartItem 购物车条目
type CartItem struct {
	ID         int64     `json:"id"`
	CustomerID int64     `json:"customer_id"`
	ServiceID  int64     `json:"service_id"`
	Quantity   int       `json:"quantity"`
	CreatedAt  time.Time `json:"created_at"`
}

/**
 * Message 发给用户的通知内容
 */
type Message struct {
	Kind  string            `json:"kind"`
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}
