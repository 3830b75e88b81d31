package main

import (
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hexbauer/loxodon/activitypub"
	"github.com/hexbauer/loxodon/db"
	"github.com/hexbauer/loxodon/domain"
	"github.com/hexbauer/loxodon/util"
	"github.com/hexbauer/loxodon/web"
)

func main() {

	conf, err := util.ReadConf()
	if err != nil {
		log.Fatalln(err)
	}

	fmt.Println("Configuration: ")
	fmt.Println(util.PrettyPrint(conf))

	database, err := db.Open(util.ResolveFilePath(conf.Conf.DbFile))
	if err != nil {
		log.Fatalln(err)
	}

	log.Println("Running database migrations...")
	if err := database.Migrate(); err != nil {
		log.Fatalln(err)
	}
	log.Println("Database migrations complete")

	if err := ensureLocalActor(database, conf); err != nil {
		log.Fatalln(err)
	}

	resolver := &activitypub.Resolver{Store: database, Fetcher: &activitypub.HTTPFetcher{}}
	inbox := &activitypub.Inbox{Store: database, Resolver: resolver, Conf: conf}

	activitypub.StartDeliveryWorker(database, conf)

	startServing(conf, database, inbox)
}

// ensureLocalActor provisions the configured local actor on first start.
func ensureLocalActor(database *db.DB, conf *util.AppConfig) error {
	name := conf.Conf.Username
	err, _ := database.ReadLocalActorByName(name)
	if err == nil {
		return nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return err
	}

	log.Printf("No local actor %q found, provisioning..", name)
	keypair := util.GeneratePemKeypair()
	id := fmt.Sprintf("https://%s/users/%s", conf.Conf.SslDomain, name)

	actor := &domain.Actor{
		Id:              id,
		Name:            name,
		DisplayName:     name,
		FederationId:    id,
		InboxURI:        id + "/inbox",
		OutboxURI:       id + "/outbox",
		Local:           true,
		PublicKeyPem:    keypair.Public,
		PrivateKeyPem:   keypair.Private,
		LastRefreshedAt: time.Now(),
	}

	err, affected := database.UpsertActor(actor)
	if err != nil {
		return err
	}
	if affected != 1 {
		return fmt.Errorf("provisioning %s affected %d rows: %w", name, affected, domain.ErrStorage)
	}
	return nil
}

func startServing(conf *util.AppConfig, database *db.DB, inbox *activitypub.Inbox) {
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := web.Router(conf, database, inbox); err != nil {
			log.Fatalln(err)
		}
	}()

	<-done
	log.Println("Stopping server")
	database.Close()
}
