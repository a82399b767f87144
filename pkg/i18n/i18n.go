package i18n

import (
	"reflect"
	"sync"
)

// Language type
type Language string

const (
	LangEN Language = "en"
	LangZH Language = "zh"
)

// Messages holds all translatable strings
type Messages struct {
	// System
	Starting           string
	ConfigLoaded       string
	UsingDBPath        string
	ServerListening    string
	ShuttingDown       string
	ConfigLoadFailed   string
	DBInitFailed       string
	DBMigrationsFailed string
	APIServerError     string
	ProvidersLoaded    string
	NoProviders        string

	// Execution reasons returned to callers
	ReasonInvalidContext      string
	ReasonDeniedByMode        string
	ReasonNoAvailableProvider string
	ReasonLedgerFault         string
	ReasonPriceUnavailable    string
	ReasonInvalidPayload      string
	ReasonInsufficientFunds   string
	ReasonInsufficientPos     string
	ReasonOrderNotFound       string
	ReasonNotSimulated        string
	ReasonReadOnly            string
	ReasonExecutionFailed     string

	// Services
	ReconStarted         string
	HealthMonitorStarted string
	AuditSpoolEnabled    string
	AuditSpoolFailed     string
}

var (
	currentLang Language = LangEN
	mu          sync.RWMutex
	messages    *Messages
)

// English messages
var messagesEN = Messages{
	// System
	Starting:           "Starting trading router...",
	ConfigLoaded:       "Config loaded (Port: %s)",
	UsingDBPath:        "Using DB path: %s",
	ServerListening:    "Server listening on :%s",
	ShuttingDown:       "Shutting down gracefully...",
	ConfigLoadFailed:   "Failed to load config: %v",
	DBInitFailed:       "Failed to init database: %v",
	DBMigrationsFailed: "Failed to apply migrations: %v",
	APIServerError:     "API server error: %v",
	ProvidersLoaded:    "%d providers registered",
	NoProviders:        "No providers configured; LIVE operations will fail with no available provider",

	// Execution reasons
	ReasonInvalidContext:      "invalid context",
	ReasonDeniedByMode:        "operation not permitted in mode",
	ReasonNoAvailableProvider: "no available provider",
	ReasonLedgerFault:         "paper account frozen by a ledger reconciliation fault",
	ReasonPriceUnavailable:    "reference price unavailable, retry later",
	ReasonInvalidPayload:      "invalid request payload",
	ReasonInsufficientFunds:   "insufficient virtual cash",
	ReasonInsufficientPos:     "insufficient virtual position",
	ReasonOrderNotFound:       "open order not found",
	ReasonNotSimulated:        "operation has no paper equivalent",
	ReasonReadOnly:            "operation not permitted on a read-only route",
	ReasonExecutionFailed:     "execution failed",

	// Services
	ReconStarted:         "Reconciliation service started (interval: %v)",
	HealthMonitorStarted: "Health monitor started (interval: %v)",
	AuditSpoolEnabled:    "Audit spool enabled: %s",
	AuditSpoolFailed:     "Failed to open audit spool: %v, audit failures will not be replayed",
}

// Chinese messages
var messagesZH = Messages{
	// System
	Starting:           "啟動交易路由器...",
	ConfigLoaded:       "設定已載入（埠號：%s）",
	UsingDBPath:        "使用資料庫路徑：%s",
	ServerListening:    "服務監聽於 :%s",
	ShuttingDown:       "正在優雅關閉...",
	ConfigLoadFailed:   "讀取設定失敗：%v",
	DBInitFailed:       "初始化資料庫失敗：%v",
	DBMigrationsFailed: "套用資料庫遷移失敗：%v",
	APIServerError:     "API 伺服器錯誤：%v",
	ProvidersLoaded:    "已註冊 %d 個通道",
	NoProviders:        "未設定任何通道；LIVE 操作將回報無可用通道",

	// Execution reasons
	ReasonInvalidContext:      "模式憑證無效",
	ReasonDeniedByMode:        "此模式不允許該操作",
	ReasonNoAvailableProvider: "無可用通道",
	ReasonLedgerFault:         "模擬帳戶對帳失敗，已凍結",
	ReasonPriceUnavailable:    "無法取得參考價格，請稍後重試",
	ReasonInvalidPayload:      "請求內容無效",
	ReasonInsufficientFunds:   "模擬資金不足",
	ReasonInsufficientPos:     "模擬持倉不足",
	ReasonOrderNotFound:       "找不到未成交委託",
	ReasonNotSimulated:        "此操作沒有模擬對應",
	ReasonReadOnly:            "唯讀路由不允許此操作",
	ReasonExecutionFailed:     "執行失敗",

	// Services
	ReconStarted:         "對帳服務已啟動（間隔：%v）",
	HealthMonitorStarted: "健康監控已啟動（間隔：%v）",
	AuditSpoolEnabled:    "稽核暫存檔已啟用：%s",
	AuditSpoolFailed:     "開啟稽核暫存檔失敗：%v，稽核寫入失敗將無法重播",
}

func init() {
	messages = &messagesEN
}

// SetLanguage sets the current language
func SetLanguage(lang Language) {
	mu.Lock()
	defer mu.Unlock()

	currentLang = lang
	switch lang {
	case LangZH:
		messages = &messagesZH
	default:
		messages = &messagesEN
	}
}

// GetLanguage returns the current language
func GetLanguage() Language {
	mu.RLock()
	defer mu.RUnlock()
	return currentLang
}

// M returns the current messages
func M() *Messages {
	mu.RLock()
	defer mu.RUnlock()
	return messages
}

// For returns the message set for lang without touching the process default.
func For(lang Language) *Messages {
	if lang == LangZH {
		return &messagesZH
	}
	return &messagesEN
}

// Get returns specific message by key dynamically using reflection
func Get(key string) string {
	msg := M()
	v := reflect.ValueOf(msg).Elem()
	f := v.FieldByName(key)
	if f.IsValid() && f.Kind() == reflect.String {
		return f.String()
	}
	return key
}
