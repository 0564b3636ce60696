package attendance

import (
	"context"
	"log"
	"time"

	"github.com/pkg/errors"

	"qrattend/internal/auth"
)

type seedUser struct {
	identifier, username, password, role, fullName string
}

var seedUsers = []seedUser{
	{"PROF1", "prof1", "profpass", auth.RoleProfessor, "Dr. Prof One"},
	{"STU1-QRCODE", "stu1", "student1", auth.RoleStudent, "John Student"},
	{"STU2-QRCODE", "stu2", "student2", auth.RoleStudent, "Jillian Student"},
}

var seedCourses = []Course{
	{Code: "CS301", Name: "Data Structures"},
	{Code: "CS405", Name: "Web Development"},
}

// Seed fills an empty store with demo users, courses, enrollments and one
// attendance record. It does nothing when any user exists, so calling it on
// every start is safe. All rows are written in one transaction, so a failed
// seed leaves the store empty and the next start retries.
func Seed(ctx context.Context, store Store, now time.Time) error {
	return store.WithTx(ctx, func(tx Store) error {
		return seed(ctx, tx, now)
	})
}

func seed(ctx context.Context, store Store, now time.Time) error {
	n, err := store.CountUsers(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	users := make(map[string]*User, len(seedUsers))
	for _, su := range seedUsers {
		hash, err := auth.HashPassword(su.password)
		if err != nil {
			return errors.Wrap(err, "hash seed password")
		}
		u := &User{Identifier: su.identifier, Username: su.username, PasswordHash: hash, Role: su.role, FullName: su.fullName}
		if err := store.CreateUser(ctx, u); err != nil {
			return err
		}
		users[su.username] = u
	}

	courses := make(map[string]*Course, len(seedCourses))
	for i := range seedCourses {
		c := seedCourses[i]
		if err := store.CreateCourse(ctx, &c); err != nil {
			return err
		}
		courses[c.Code] = &c
	}

	for _, student := range []string{"stu1", "stu2"} {
		for _, code := range []string{"CS301", "CS405"} {
			if err := store.Enroll(ctx, users[student].ID, courses[code].ID); err != nil {
				return err
			}
		}
	}

	stu1 := users["stu1"]
	if _, err := store.InsertRecord(ctx, Record{
		StudentID:     stu1.ID,
		CourseID:      courses["CS301"].ID,
		SubmittedCode: stu1.Identifier,
		OccurredAt:    now.In(Zone),
		Day:           LocalDay(now),
		Status:        StatusPresent,
	}); err != nil {
		return err
	}
	log.Printf("seeded %d users and %d courses", len(seedUsers), len(seedCourses))
	return nil
}
