package model

import "time"

// L2Creds are the CLOB API credentials derived for a wallet.
type L2Creds struct {
	APIKey        string `json:"api_key"`
	APISecret     string `json:"-"`
	APIPassphrase string `json:"-"`
}

func (c L2Creds) Empty() bool {
	return c.APIKey == "" || c.APISecret == "" || c.APIPassphrase == ""
}

// Wallet holds the encrypted keystore and CLOB creds of a trading wallet.
// The decrypted key never lives here.
type Wallet struct {
	Address       string    `json:"address" gorm:"primaryKey;column:address"`
	Keystore      []byte    `json:"-" gorm:"column:keystore"` // keystore v3 密文
	ProxyAddress  string    `json:"proxy_address,omitempty" gorm:"column:proxy_address"`
	SignatureType int       `json:"signature_type" gorm:"column:signature_type"` // 0=EOA,1=Proxy,2=Safe
	APIKey        string    `json:"api_key,omitempty" gorm:"column:api_key"`
	APISecret     string    `json:"-" gorm:"column:api_secret"`
	APIPassphrase string    `json:"-" gorm:"column:api_passphrase"`
	AutoTrading   bool      `json:"auto_trading" gorm:"column:auto_trading"`
	CreatedAt     time.Time `json:"created_at" gorm:"column:created_at"`
	UpdatedAt     time.Time `json:"updated_at" gorm:"column:updated_at"`
}

func (Wallet) TableName() string { return "wallets" }

func (w Wallet) Creds() L2Creds {
	return L2Creds{APIKey: w.APIKey, APISecret: w.APISecret, APIPassphrase: w.APIPassphrase}
}

// Opportunity is one scored market produced by the external strategy layer.
type Opportunity struct {
	ConditionID string    `json:"condition_id"`
	Question    string    `json:"question"`
	Slug        string    `json:"slug"`
	Score       float64   `json:"score"`
	YesPrice    string    `json:"yes_price"`
	NoPrice     string    `json:"no_price"`
	Spread      string    `json:"spread"`
	At          time.Time `json:"at"`
}
