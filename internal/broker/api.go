package broker

import (
	"errors"
	"strings"
	"time"

	"chatkit/internal/models"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/golang-jwt/jwt/v5"
)

// API serves the broker's REST surface and websocket upgrade endpoint.
type API struct {
	store    *Store
	hub      *Hub
	secret   []byte
	tokenTTL time.Duration
}

// NewAPI creates the API over a store and hub.
func NewAPI(store *Store, hub *Hub, secret string) *API {
	return &API{
		store:    store,
		hub:      hub,
		secret:   []byte(secret),
		tokenTTL: 24 * time.Hour,
	}
}

// Mount registers every route on the app.
func (a *API) Mount(app *fiber.App) {
	app.Post("/auth/register", a.handleRegister)
	app.Post("/auth/login", a.handleLogin)
	app.Get("/auth/me", a.AuthRequired, a.handleMe)

	app.Get("/conversations", a.AuthRequired, a.handleConversations)
	app.Post("/conversations/private", a.AuthRequired, a.handlePrivateConversation)
	app.Post("/conversations/group", a.AuthRequired, a.handleCreateGroup)
	app.Get("/conversations/:id/messages", a.AuthRequired, a.handleMessages)
	app.Post("/conversations/:id/read", a.AuthRequired, a.handleMarkRead)
	app.Put("/messages/:id", a.AuthRequired, a.handleEditMessage)
	app.Delete("/messages/:id", a.AuthRequired, a.handleDeleteMessage)
	app.Get("/users/search", a.AuthRequired, a.handleSearchUsers)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws", a.AuthRequired, websocket.New(a.handleWS))
}

// IssueToken signs a bearer token for a user.
func (a *API) IssueToken(userID string) (string, error) {
	claims := jwt.MapClaims{
		"sub": userID,
		"exp": time.Now().Add(a.tokenTTL).Unix(),
		"iat": time.Now().Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// AuthRequired enforces a valid bearer token and stashes the user in locals.
func (a *API) AuthRequired(c *fiber.Ctx) error {
	authHeader := c.Get("Authorization")
	if authHeader == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Authorization header required",
		})
	}

	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Invalid authorization header format",
		})
	}

	token, err := jwt.Parse(parts[1], func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fiber.NewError(fiber.StatusUnauthorized, "Invalid signing method")
		}
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Invalid or expired token",
		})
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Invalid token claims",
		})
	}
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Invalid token structure - missing subject",
		})
	}

	user, ok := a.store.UserByID(sub)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Unknown user",
		})
	}

	c.Locals("userID", user.ID)
	c.Locals("username", user.Username)
	return c.Next()
}

func (a *API) handleRegister(c *fiber.Ctx) error {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
		Avatar   string `json:"avatar"`
	}
	if err := c.BodyParser(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}
	if body.Username == "" || body.Password == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Username and password are required"})
	}

	user, err := a.store.CreateUser(body.Username, body.Password, body.Avatar)
	if err != nil {
		return respondError(c, err)
	}
	token, err := a.IssueToken(user.ID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to issue token"})
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"user": user, "token": token})
}

func (a *API) handleLogin(c *fiber.Ctx) error {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.BodyParser(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}

	user, err := a.store.Authenticate(body.Username, body.Password)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid credentials"})
	}
	token, err := a.IssueToken(user.ID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to issue token"})
	}
	return c.JSON(fiber.Map{"user": user, "token": token})
}

func (a *API) handleMe(c *fiber.Ctx) error {
	user, ok := a.store.UserByID(c.Locals("userID").(string))
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "User not found"})
	}
	return c.JSON(user)
}

func (a *API) handleConversations(c *fiber.Ctx) error {
	return c.JSON(a.store.ConversationsFor(c.Locals("userID").(string)))
}

func (a *API) handlePrivateConversation(c *fiber.Ctx) error {
	var body struct {
		UserID string `json:"user_id"`
	}
	if err := c.BodyParser(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}

	conv, err := a.store.PrivateConversation(c.Locals("userID").(string), body.UserID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(conv)
}

func (a *API) handleCreateGroup(c *fiber.Ctx) error {
	var body struct {
		Name      string   `json:"name"`
		MemberIDs []string `json:"member_ids"`
	}
	if err := c.BodyParser(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}

	conv, err := a.store.CreateGroup(c.Locals("userID").(string), body.Name, body.MemberIDs)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(conv)
}

func (a *API) handleMessages(c *fiber.Ctx) error {
	msgs, ok := a.store.Messages(c.Params("id"), c.Locals("userID").(string))
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Conversation not found"})
	}
	return c.JSON(msgs)
}

func (a *API) handleMarkRead(c *fiber.Ctx) error {
	var body struct {
		MessageIDs []string `json:"message_ids"`
	}
	if err := c.BodyParser(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}

	userID := c.Locals("userID").(string)
	convID := c.Params("id")
	at := time.Now()
	marked := a.store.MarkRead(convID, userID, body.MessageIDs, at)
	if len(marked) > 0 && a.hub != nil {
		a.hub.fanoutReadReceipts(convID, userID, marked, at)
	}
	return c.JSON(fiber.Map{"marked": marked})
}

func (a *API) handleEditMessage(c *fiber.Ctx) error {
	var body struct {
		Content string `json:"content"`
	}
	if err := c.BodyParser(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}

	msg, err := a.store.EditMessage(c.Params("id"), c.Locals("userID").(string), body.Content)
	if err != nil {
		return respondError(c, err)
	}
	if a.hub != nil {
		a.hub.fanoutEdited(msg)
	}
	return c.JSON(msg)
}

func (a *API) handleDeleteMessage(c *fiber.Ctx) error {
	msg, err := a.store.DeleteMessage(c.Params("id"), c.Locals("userID").(string))
	if err != nil {
		return respondError(c, err)
	}
	if a.hub != nil {
		a.hub.fanoutDeleted(msg.ConversationID, msg.ID)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (a *API) handleSearchUsers(c *fiber.Ctx) error {
	query := c.Query("q")
	if query == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Search query is required"})
	}
	return c.JSON(a.store.SearchUsers(query, c.Locals("userID").(string)))
}

// handleWS runs inside the upgraded websocket goroutine.
func (a *API) handleWS(conn *websocket.Conn) {
	userID, _ := conn.Locals("userID").(string)
	username, _ := conn.Locals("username").(string)

	client, err := a.hub.Register(userID, username, conn)
	if err != nil {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()))
		_ = conn.Close()
		return
	}

	go client.WritePump()
	client.ReadPump()
}

// respondError maps store errors onto HTTP statuses with the standard body.
func respondError(c *fiber.Ctx, err error) error {
	var appErr *models.AppError
	if errors.As(err, &appErr) {
		status := fiber.StatusBadRequest
		if appErr.Code != "VALIDATION_ERROR" {
			status = fiber.StatusInternalServerError
		}
		return c.Status(status).JSON(fiber.Map{"error": appErr.Message, "code": appErr.Code})
	}
	if errors.Is(err, models.ErrUnauthorized) {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
	}
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
}
