package db

import (
	"errors"
	"fmt"
	"log"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/KAsare1/medibook-server/cmd/models"
)

func NewPSQLStorage(connString string) (*gorm.DB, error) {
	if connString == "" {
		return nil, errors.New("DB_URL is not set")
	}

	db, err := gorm.Open(postgres.Open(connString), &gorm.Config{
		// unique violations surface as gorm.ErrDuplicatedKey
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	sqlDB.SetMaxOpenConns(25)

	sqlDB.SetMaxIdleConns(25)

	return db, nil
}

// Tables lists every model owned by this service, parents first.
func Tables() []interface{} {
	return []interface{}{
		&models.Patient{},
		&models.Doctor{},
		&models.Slot{},
		&models.Binding{},
		&models.Appointment{},
		&models.PaymentRecord{},
		&models.GatewayEvent{},
	}
}

func AutoMigrate(db *gorm.DB) error {
	for _, model := range Tables() {
		log.Printf("Migrating %T table...", model)
		if err := db.AutoMigrate(model); err != nil {
			return fmt.Errorf("error migrating %T table: %w", model, err)
		}
	}
	return nil
}

// DropAll drops every table in reverse dependency order.
func DropAll(db *gorm.DB) error {
	tables := Tables()
	for i := len(tables) - 1; i >= 0; i-- {
		if err := db.Migrator().DropTable(tables[i]); err != nil {
			log.Printf("Warning dropping table %T: %v", tables[i], err)
			continue
		}
		log.Printf("Table %T dropped", tables[i])
	}
	return nil
}

func Close(db *gorm.DB) {
	sqlDB, err := db.DB()
	if err != nil {
		return
	}
	sqlDB.Close()
	log.Println("Database connection closed")
}
