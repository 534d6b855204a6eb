package validation

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

var xssPattern = regexp.MustCompile(`(?i)(<script|<iframe|javascript:|onerror=|onload=|onclick=)`)

// reviewFields are the free-text body fields accepted by review actions.
var reviewFields = []string{"anchor_text", "reason"}

type Config struct {
	MaxSegmentLength int
	MaxKeywordLength int
	MaxTextLength    int
	MaxLimit         int
	Logger           *zap.Logger
}

func Middleware(cfg Config) fiber.Handler {
	if cfg.MaxSegmentLength == 0 {
		cfg.MaxSegmentLength = 256
	}
	if cfg.MaxKeywordLength == 0 {
		cfg.MaxKeywordLength = 100
	}
	if cfg.MaxTextLength == 0 {
		cfg.MaxTextLength = 500
	}
	if cfg.MaxLimit == 0 {
		cfg.MaxLimit = 1000
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return func(c *fiber.Ctx) error {
		for _, seg := range strings.Split(strings.Trim(c.Path(), "/"), "/") {
			if !validSegment(seg, cfg.MaxSegmentLength) {
				return reject(c, fiber.StatusBadRequest, "Invalid path")
			}
		}

		if kw := c.Query("keyword"); kw != "" {
			if len([]rune(kw)) > cfg.MaxKeywordLength || containsXSS(kw) {
				return reject(c, fiber.StatusBadRequest, "Invalid keyword")
			}
		}

		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 || n > cfg.MaxLimit {
				return reject(c, fiber.StatusBadRequest, "limit must be an integer between 0 and "+strconv.Itoa(cfg.MaxLimit))
			}
		}

		if len(c.Body()) == 0 {
			return c.Next()
		}

		if !strings.HasPrefix(c.Get(fiber.HeaderContentType), fiber.MIMEApplicationJSON) {
			return reject(c, fiber.StatusUnsupportedMediaType, "Unsupported content type")
		}

		var req map[string]any
		if err := c.BodyParser(&req); err != nil {
			return reject(c, fiber.StatusBadRequest, "Invalid JSON format")
		}

		for _, field := range reviewFields {
			v, present := req[field]
			if !present {
				continue
			}
			s, ok := v.(string)
			if !ok {
				return reject(c, fiber.StatusBadRequest, field+" must be a string")
			}
			if len([]rune(s)) > cfg.MaxTextLength {
				return reject(c, fiber.StatusBadRequest, field+" exceeds maximum length")
			}
			if containsXSS(s) {
				cfg.Logger.Warn("Potential XSS attempt",
					zap.String("ip", c.IP()),
					zap.String("field", field),
				)
				return reject(c, fiber.StatusBadRequest, "Invalid "+field)
			}
		}

		return c.Next()
	}
}

func reject(c *fiber.Ctx, status int, msg string) error {
	return c.Status(status).JSON(fiber.Map{"error": msg})
}

func validSegment(seg string, maxLen int) bool {
	if len(seg) > maxLen || seg == ".." {
		return false
	}
	for _, r := range seg {
		if unicode.IsControl(r) {
			return false
		}
	}
	return true
}

func containsXSS(input string) bool {
	return xssPattern.MatchString(input)
}
