package api

import (
	"strconv"

	"github.com/chenyang-zz/marketcore/internal/domain/models"
	"github.com/chenyang-zz/marketcore/internal/services"
	"github.com/gofiber/fiber/v2"
)

type checkoutBody struct {
	Schedule models.Schedule `json:"schedule"`
	Location models.Location `json:"location"`
}

type directCheckoutBody struct {
	services.CheckoutItem
	checkoutBody
}

type statusBody struct {
	Status models.OrderStatus `json:"status"`
}

type disputeBody struct {
	Reason      models.ReasonCode `json:"reason_code"`
	Description string            `json:"description"`
}

// bind 解析 JSON 请求体，失败时返回 ValidationError
func bind(c *fiber.Ctx, out any) error {
	if err := c.BodyParser(out); err != nil {
		return models.NewValidationError("body", "请求体格式错误")
	}
	return nil
}

// paramID 读取路径中的正整数 ID
func paramID(c *fiber.Ctx, name string) (int64, error) {
	id, err := strconv.ParseInt(c.Params(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, models.NewValidationError(name, "无效的 ID")
	}
	return id, nil
}

func (s *Server) checkoutFromCart(c *fiber.Ctx) error {
	var body checkoutBody
	if err := bind(c, &body); err != nil {
		return err
	}
	res, err := s.checkout.CheckoutFromCart(c.UserContext(), actorFrom(c), body.Schedule, body.Location)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(res)
}

func (s *Server) checkoutDirect(c *fiber.Ctx) error {
	var body directCheckoutBody
	if err := bind(c, &body); err != nil {
		return err
	}
	if body.Quantity == 0 {
		body.Quantity = 1
	}
	res, err := s.checkout.CheckoutDirect(c.UserContext(), actorFrom(c), body.CheckoutItem, body.Schedule, body.Location)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(res)
}

func (s *Server) listOrders(c *fiber.Ctx) error {
	list, err := s.orders.ListMine(c.UserContext(), actorFrom(c), c.QueryInt("limit"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"orders": list})
}

func (s *Server) getOrder(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	o, err := s.orders.Get(c.UserContext(), actorFrom(c), id)
	if err != nil {
		return err
	}
	return c.JSON(o)
}

func (s *Server) updateStatus(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	var body statusBody
	if err := bind(c, &body); err != nil {
		return err
	}
	o, err := s.orders.UpdateStatus(c.UserContext(), actorFrom(c), id, body.Status)
	if err != nil {
		return err
	}
	return c.JSON(o)
}

func (s *Server) refund(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	o, err := s.checkout.Refund(c.UserContext(), actorFrom(c), id)
	if err != nil {
		return err
	}
	return c.JSON(o)
}

func (s *Server) listEdits(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	edits, err := s.orders.ListEdits(c.UserContext(), actorFrom(c), id)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"edits": edits})
}

func (s *Server) proposeEdit(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	var data models.EditData
	if err := bind(c, &data); err != nil {
		return err
	}
	edit, err := s.orders.ProposeEdit(c.UserContext(), actorFrom(c), id, data)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(edit)
}

// decideEdit 接受或拒绝改单
func (s *Server) decideEdit(accept bool) fiber.Handler {
	return func(c *fiber.Ctx) error {
		orderID, err := paramID(c, "id")
		if err != nil {
			return err
		}
		editID, err := paramID(c, "editId")
		if err != nil {
			return err
		}

		decide := s.orders.RejectEdit
		if accept {
			decide = s.orders.AcceptEdit
		}
		o, err := decide(c.UserContext(), actorFrom(c), orderID, editID)
		if err != nil {
			return err
		}
		return c.JSON(o)
	}
}

func (s *Server) openDispute(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	var body disputeBody
	if err := bind(c, &body); err != nil {
		return err
	}
	d, err := s.disputes.Open(c.UserContext(), actorFrom(c), id, body.Reason, body.Description)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(d)
}

func (s *Server) getDispute(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	d, err := s.disputes.Get(c.UserContext(), actorFrom(c), id)
	if err != nil {
		return err
	}
	return c.JSON(d)
}

func (s *Server) reviewDispute(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	d, err := s.disputes.StartReview(c.UserContext(), actorFrom(c), id)
	if err != nil {
		return err
	}
	return c.JSON(d)
}

func (s *Server) resolveDispute(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	var req models.ResolveRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	res, err := s.disputes.Resolve(c.UserContext(), actorFrom(c), id, req)
	if err != nil {
		return err
	}
	return c.JSON(res)
}

func (s *Server) closeDispute(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	d, err := s.disputes.Close(c.UserContext(), actorFrom(c), id)
	if err != nil {
		return err
	}
	return c.JSON(d)
}

func (s *Server) getCart(c *fiber.Ctx) error {
	items, err := s.orders.Cart(c.UserContext(), actorFrom(c))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"items": items})
}

func (s *Server) addCartItem(c *fiber.Ctx) error {
	var item services.CheckoutItem
	if err := bind(c, &item); err != nil {
		return err
	}
	if item.Quantity == 0 {
		item.Quantity = 1
	}
	added, err := s.orders.AddToCart(c.UserContext(), actorFrom(c), item)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(added)
}

func (s *Server) removeCartItem(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	if err := s.orders.RemoveFromCart(c.UserContext(), actorFrom(c), id); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) balance(c *fiber.Ctx) error {
	snap, err := s.orders.Balance(c.UserContext(), actorFrom(c))
	if err != nil {
		return err
	}
	return c.JSON(snap)
}

func (s *Server) transactions(c *fiber.Ctx) error {
	list, err := s.orders.History(c.UserContext(), actorFrom(c), c.QueryInt("limit"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"transactions": list})
}

// paymentWebhook 网关异步回调；重复回调返回 200
func (s *Server) paymentWebhook(c *fiber.Ctx) error {
	var conf models.PaymentConfirmation
	if err := bind(c, &conf); err != nil {
		return err
	}
	res, err := s.checkout.ConfirmPayment(c.UserContext(), conf)
	if err != nil {
		return err
	}
	return c.JSON(res)
}
