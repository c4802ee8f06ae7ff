package telegram

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"

	"github.com/chozzz/vargos/pkg/models"
)

type mockBotClient struct {
	mu          sync.Mutex
	sent        []*bot.SendMessageParams
	actions     []*bot.SendChatActionParams
	getFileFunc func(ctx context.Context, params *bot.GetFileParams) (*tgmodels.File, error)
}

func (m *mockBotClient) SendMessage(_ context.Context, params *bot.SendMessageParams) (*tgmodels.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, params)
	return &tgmodels.Message{}, nil
}

func (m *mockBotClient) SendChatAction(_ context.Context, params *bot.SendChatActionParams) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actions = append(m.actions, params)
	return true, nil
}

func (m *mockBotClient) GetFile(ctx context.Context, params *bot.GetFileParams) (*tgmodels.File, error) {
	if m.getFileFunc != nil {
		return m.getFileFunc(ctx, params)
	}
	return &tgmodels.File{FilePath: "photos/p.jpg"}, nil
}

func testAdapter(t *testing.T) (*Adapter, *mockBotClient) {
	t.Helper()
	a, err := New(Config{Token: "test-token", Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	if err != nil {
		t.Fatal(err)
	}
	mock := &mockBotClient{}
	a.client = mock
	return a, mock
}

func TestOnUpdateFilters(t *testing.T) {
	a, _ := testAdapter(t)
	var got []*models.ChannelMessage
	a.SetInboundHandler(func(msg *models.ChannelMessage) { got = append(got, msg) })

	mk := func(from *tgmodels.User, chatType tgmodels.ChatType, text string) *tgmodels.Update {
		return &tgmodels.Update{Message: &tgmodels.Message{
			ID:   1,
			From: from,
			Chat: tgmodels.Chat{ID: 42, Type: chatType},
			Text: text,
		}}
	}

	// Bots are dropped.
	a.onUpdate(context.Background(), nil, mk(&tgmodels.User{ID: 7, IsBot: true}, "private", "beep"))
	// Group chats are dropped.
	a.onUpdate(context.Background(), nil, mk(&tgmodels.User{ID: 7}, "group", "hi all"))
	// Private human messages pass.
	a.onUpdate(context.Background(), nil, mk(&tgmodels.User{ID: 7, FirstName: "Ada"}, "private", "hello"))

	if len(got) != 1 {
		t.Fatalf("messages passed = %d, want 1", len(got))
	}
	msg := got[0]
	if msg.Channel != "telegram" || msg.SenderID != "7" || msg.Text != "hello" || msg.SenderName != "Ada" {
		t.Errorf("message = %+v", msg)
	}
}

func TestSendUsesNumericChatID(t *testing.T) {
	a, mock := testAdapter(t)
	if err := a.Send(context.Background(), "12345", "hi"); err != nil {
		t.Fatal(err)
	}
	mock.mu.Lock()
	defer mock.mu.Unlock()
	if len(mock.sent) != 1 {
		t.Fatalf("sent = %d", len(mock.sent))
	}
	if id, ok := mock.sent[0].ChatID.(int64); !ok || id != 12345 {
		t.Errorf("chat id = %#v", mock.sent[0].ChatID)
	}
	if mock.sent[0].Text != "hi" {
		t.Errorf("text = %q", mock.sent[0].Text)
	}
}

func TestStartTypingSendsChatAction(t *testing.T) {
	a, mock := testAdapter(t)
	a.StartTyping("42")
	mock.mu.Lock()
	defer mock.mu.Unlock()
	if len(mock.actions) != 1 || mock.actions[0].Action != tgmodels.ChatActionTyping {
		t.Errorf("actions = %+v", mock.actions)
	}
}
