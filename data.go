package main

import (
	"errors"
	"fmt"
	mathrand "math/rand"

	"github.com/go-faker/faker/v4"
	"golang.org/x/exp/rand"
)

const (
	statusActive   = "ACTIVE"
	statusInactive = "INACTIVE"
)

// person is one row of a table_N table.
type person struct {
	Name   string  `db:"name" faker:"name"`
	Email  string  `db:"email" faker:"email"`
	Age    int     `db:"age" faker:"-"`
	Salary float64 `db:"salary" faker:"-"`
	Status string  `db:"status" faker:"-"`
}

// relation is one row of table_relations.
type relation struct {
	Table0ID int    `db:"table_0_id"`
	Table1ID int    `db:"table_1_id"`
	Table2ID int    `db:"table_2_id"`
	Type     string `db:"relation_type"`
}

// newRand returns a generator owned by a single goroutine.
func newRand(seed int64) *rand.Rand {
	return rand.New(rand.NewSource(uint64(seed)))
}

func randomStatus(rng *rand.Rand) string {
	if randomBool(rng, 50) {
		return statusActive
	}
	return statusInactive
}

// seedPerson is row i of the initial data of a table.
func seedPerson(rng *rand.Rand, table, i int) person {
	return person{
		Name:   fmt.Sprintf("User_%d_%d", table, i),
		Email:  fmt.Sprintf("user%d_%d@example.com", table, i),
		Age:    20 + rng.Intn(50),
		Salary: float64(1000 + rng.Intn(9000)),
		Status: randomStatus(rng),
	}
}

// newPerson is the row a worker inserts as its seq-th command.
func newPerson(rng *rand.Rand, worker, seq int) person {
	return person{
		Name:   fmt.Sprintf("NewUser_%d_%d", worker, seq),
		Email:  fmt.Sprintf("newuser_%d_%d@example.com", worker, seq),
		Age:    18 + rng.Intn(50),
		Salary: float64(2000 + rng.Intn(8000)),
		Status: randomStatus(rng),
	}
}

// seedFaker replaces faker's package level source. faker draws from that one
// source for every goroutine, so its output repeats for a seed only when a
// single worker calls it.
func seedFaker(seed int64) {
	faker.SetRandomSource(faker.NewSafeSource(mathrand.NewSource(seed)))
}

// fakePerson fills name and email with faker data.
func fakePerson(rng *rand.Rand) (person, error) {
	p := person{}
	if err := faker.FakeData(&p); err != nil {
		return p, err
	}
	p.Age = 18 + rng.Intn(50)
	p.Salary = float64(2000 + rng.Intn(8000))
	p.Status = randomStatus(rng)
	return p, nil
}

// newRelation references one random id of each of table_0..table_2. Every
// list in ids must be non-empty.
func newRelation(rng *rand.Rand, ids [3][]int) relation {
	return relation{
		Table0ID: ids[0][rng.Intn(len(ids[0]))],
		Table1ID: ids[1][rng.Intn(len(ids[1]))],
		Table2ID: ids[2][rng.Intn(len(ids[2]))],
		Type:     fmt.Sprintf("TYPE_%d", rng.Intn(5)),
	}
}

// randomBool returns true with the given probability.
//
// percent 0 ~ 100
// randomBool(rng, 80) is true 80% of the time
func randomBool(rng *rand.Rand, percent int) bool {
	if percent < 0 || percent > 100 {
		panic(errors.New("percent must be 0 ~ 100"))
	}

	switch percent {
	case 0:
		return false
	case 100:
		return true
	default:
		return rng.Intn(100) < percent
	}
}
