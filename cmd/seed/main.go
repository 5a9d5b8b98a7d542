package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"authcore/internal/config"
	"authcore/internal/domain/models"
	"authcore/internal/storage/mongodb"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"golang.org/x/crypto/bcrypt"
)

func main() {
	_ = godotenv.Load()

	var configPath, email, password, role string
	flag.StringVar(&configPath, "config", "", "path to config file (or use CONFIG_PATH env)")
	flag.StringVar(&email, "email", "", "email of the user to seed")
	flag.StringVar(&password, "password", "", "password of the user to seed")
	flag.StringVar(&role, "role", "user", "role of the user to seed (user|admin)")
	flag.Parse()

	if configPath == "" {
		configPath = os.Getenv("CONFIG_PATH")
	}
	if configPath == "" {
		configPath = "config/local.yaml"
	}

	cfg := config.LoadConfig(configPath)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	log.Println("Connecting to MongoDB...")

	storage, err := mongodb.New(ctx, cfg.Mongo.URI, cfg.Mongo.Database)
	if err != nil {
		log.Fatalf("failed to connect to mongodb: %v", err)
	}
	defer storage.Close(ctx)

	log.Println("MongoDB connected, indexes created successfully")

	if email != "" {
		if password == "" {
			log.Fatal("a password is required when seeding a user")
		}

		passHash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("failed to hash password: %v", err)
		}

		user := &models.User{
			ID:       uuid.NewString(),
			Email:    email,
			Role:     role,
			PassHash: passHash,
			IsActive: true,
		}

		if err := storage.SaveUser(ctx, user); err != nil {
			log.Fatalf("failed to seed user: %v", err)
		}
		log.Printf("User seeded (id=%s, email=%s, role=%s)", user.ID, email, role)
	}

	fmt.Println("Database initialization completed successfully")
}
