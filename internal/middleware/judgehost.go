package middleware

import (
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/judgedispatch/internal/utils"
)

// JudgehostSelf rejects requests for another judgehost's resources when the token is bound to
// a single judgehost. Tokens without a judgehost_id claim are shared between judgehosts.
func JudgehostSelf(param string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		bound, ok := c.Locals("judgehost_id").(uint)
		if !ok || bound == 0 {
			return c.Next()
		}

		requested, err := strconv.ParseUint(c.Params(param), 10, 64)
		if err != nil {
			return c.Next()
		}
		if uint(requested) != bound {
			return utils.SendError(c, fiber.StatusForbidden, "token is bound to another judgehost")
		}
		return c.Next()
	}
}

// JudgehostKey identifies the judgehost of a request for rate limiting.
func JudgehostKey(param string) func(c *fiber.Ctx) string {
	return func(c *fiber.Ctx) string {
		if id := c.Params(param); id != "" {
			return "judgehost:" + id
		}
		return c.IP()
	}
}
